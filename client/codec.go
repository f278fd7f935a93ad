package client

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// PropertyCodec is a thin JSON convenience wrapper over GroupClient's
// byte-oriented property calls, mirroring Atomix's PropertyCodec: callers
// that want typed properties use this instead of marshalling by hand at
// every call site.
type PropertyCodec struct {
	c *GroupClient
}

func NewPropertyCodec(c *GroupClient) *PropertyCodec {
	return &PropertyCodec{c: c}
}

func (pc *PropertyCodec) Set(ctx context.Context, memberID, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshaling property %q", name)
	}
	return pc.c.SetProperty(ctx, memberID, name, data)
}

// Get unmarshals the stored property into out. It returns ok=false,
// err=nil if the property is unset.
func (pc *PropertyCodec) Get(ctx context.Context, memberID, name string, out interface{}) (ok bool, err error) {
	data, found, err := pc.c.GetProperty(ctx, memberID, name)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrapf(err, "unmarshaling property %q", name)
	}
	return true, nil
}

func (pc *PropertyCodec) Remove(ctx context.Context, memberID, name string) error {
	return pc.c.RemoveProperty(ctx, memberID, name)
}
