package transit

// ZoneScoped is implemented by every entity that can be restricted to one
// operator zone. Trips, intents and alerts report the zone of their route.
type ZoneScoped interface {
	ZoneID() int64
}

// ZoneScope restricts a query to one zone. AllZones matches everything.
type ZoneScope int64

const AllZones ZoneScope = 0

func (z ZoneScope) Contains(e ZoneScoped) bool {
	return z == AllZones || e.ZoneID() == int64(z)
}

// Actor is the authenticated caller as supplied by the gateway.
type Actor struct {
	ID   int64
	Role Role
	Zone int64
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanOperate reports whether the actor may take operator actions on
// entities of the given zone.
func (a Actor) CanOperate(e ZoneScoped) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleZonalAdmin:
		return a.Zone != 0 && a.Zone == e.ZoneID()
	}
	return false
}

// CanDrive reports whether the actor may mutate the live state of the trip.
func (a Actor) CanDrive(t Trip) bool {
	return a.IsAdmin() || (a.ID != 0 && a.ID == t.DriverID)
}

// Scope returns the widest zone scope the actor is allowed to query.
func (a Actor) Scope(requested ZoneScope) (ZoneScope, error) {
	switch a.Role {
	case RoleAdmin:
		return requested, nil
	case RoleZonalAdmin:
		if a.Zone == 0 {
			return 0, Permissionf("zonal admin without zone")
		}
		if requested != AllZones && requested != ZoneScope(a.Zone) {
			return 0, Permissionf("zone %d is outside your jurisdiction", requested)
		}
		return ZoneScope(a.Zone), nil
	}
	return 0, Permissionf("role %q cannot view zonal data", a.Role)
}
