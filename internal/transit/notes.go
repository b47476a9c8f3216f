package transit

import "strings"

// AppendNote adds line to an audit trail without touching earlier entries.
func AppendNote(notes, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return notes
	}
	if strings.TrimSpace(notes) == "" {
		return line
	}
	return notes + "\n" + line
}
