package attribution

import "context"

// Identity is what the platform knows about the device's advertising id.
type Identity struct {
	AdvertisingID   string
	LimitAdTracking bool
}

// IdentityProvider supplies the advertising identifier and opt-out flag.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// StaticIdentity is an IdentityProvider with a fixed answer.
type StaticIdentity Identity

// Identity returns the fixed identity.
func (s StaticIdentity) Identity(context.Context) (Identity, error) {
	return Identity(s), nil
}

// rdid and lat as sent on the wire. A limited device sends no id.
func (id Identity) wire() (rdid, lat string) {
	if id.LimitAdTracking {
		return "", "1"
	}
	return id.AdvertisingID, "0"
}
