package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"busload/internal/transit"
)

const (
	ReportPosition   = "position"
	ReportPassengers = "passengers"
)

// DriverReports is the tracking surface driver devices feed over NATS.
type DriverReports interface {
	AdvanceStop(ctx context.Context, actor transit.Actor, tripID int64, seq int) (transit.Advance, error)
	ReportPassengerCount(ctx context.Context, actor transit.Actor, tripID int64, count int) (transit.Trip, error)
}

type PositionReport struct {
	DriverID     int64 `json:"driverId"`
	TripID       int64 `json:"tripId"`
	StopSequence int   `json:"stopSequence"`
}

type PassengerReport struct {
	DriverID int64 `json:"driverId"`
	TripID   int64 `json:"tripId"`
	Count    int   `json:"count"`
}

// Reply is sent back when a report carries a reply subject.
type Reply struct {
	OK                bool   `json:"ok"`
	Applied           *bool  `json:"applied,omitempty"`
	EffectiveSequence int    `json:"effectiveSequence,omitempty"`
	Error             string `json:"error,omitempty"`
}

// SubscribeDriverReports consumes <prefix>.driver.position and
// <prefix>.driver.passengers. The returned func unsubscribes both.
//
// NATS does not tell a subscriber who published a message, so the driver id
// in a report is trusted as sent. Only driver devices may be granted publish
// permission on these subjects, through NATS account or user permissions;
// anyone else who can publish there can report for any driver.
func (p *NATSPublisher) SubscribeDriverReports(ctx context.Context, tracker DriverReports) (func(), error) {
	var subs []*nats.Subscription
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, kind := range []string{ReportPosition, ReportPassengers} {
		kind := kind
		subject := p.prefix + ".driver." + kind
		sub, err := p.nc.QueueSubscribe(subject, "busload", func(msg *nats.Msg) {
			reply := p.handleReport(ctx, tracker, kind, msg.Data)
			if msg.Reply == "" {
				return
			}
			b, err := json.Marshal(reply)
			if err == nil {
				err = msg.Respond(b)
			}
			if err != nil {
				p.logger.Warn("driver report reply", "subject", subject, "error", err)
			}
		})
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
		p.logger.Info("consuming driver reports", "subject", subject)
	}
	return unsubscribe, nil
}

func (p *NATSPublisher) handleReport(ctx context.Context, tracker DriverReports, kind string, data []byte) Reply {
	reply, result := p.applyReport(ctx, tracker, kind, data)
	if p.metrics != nil {
		p.metrics.DriverReportInc(kind, result)
	}
	if result == "error" {
		p.logger.Error("driver report failed", "kind", kind, "error", reply.Error)
	} else if !reply.OK {
		p.logger.Debug("driver report rejected", "kind", kind, "error", reply.Error)
	}
	return reply
}

func (p *NATSPublisher) applyReport(ctx context.Context, tracker DriverReports, kind string, data []byte) (Reply, string) {
	switch kind {
	case ReportPosition:
		var r PositionReport
		if err := json.Unmarshal(data, &r); err != nil {
			return Reply{Error: "malformed position report"}, "rejected"
		}
		adv, err := tracker.AdvanceStop(ctx, driver(r.DriverID), r.TripID, r.StopSequence)
		if err != nil {
			return Reply{Error: err.Error()}, resultOf(err)
		}
		applied := adv.Applied
		reply := Reply{OK: true, Applied: &applied, EffectiveSequence: adv.EffectiveSequence}
		if !applied {
			return reply, "ignored"
		}
		return reply, "ok"

	case ReportPassengers:
		var r PassengerReport
		if err := json.Unmarshal(data, &r); err != nil {
			return Reply{Error: "malformed passenger report"}, "rejected"
		}
		if _, err := tracker.ReportPassengerCount(ctx, driver(r.DriverID), r.TripID, r.Count); err != nil {
			return Reply{Error: err.Error()}, resultOf(err)
		}
		return Reply{OK: true}, "ok"
	}
	return Reply{Error: fmt.Sprintf("unknown report kind %q", kind)}, "rejected"
}

// driver is the actor a report claims to come from. See SubscribeDriverReports.
func driver(id int64) transit.Actor {
	return transit.Actor{ID: id, Role: transit.RoleDriver}
}

func resultOf(err error) string {
	var terr *transit.Error
	if errors.As(err, &terr) {
		return "rejected"
	}
	return "error"
}
