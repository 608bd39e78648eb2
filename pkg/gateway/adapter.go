package gateway

import (
	"context"
	"fmt"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// Adapter delivers one outbound message through a provider. Send returns a
// Transient error for provider overload or network failure and a Permanent
// error for rejections that a retry cannot fix.
type Adapter interface {
	Send(ctx context.Context, channel *models.Channel, delivery *models.OutboundDelivery) error
}

// AdapterRegistry maps channel types to adapters.
type AdapterRegistry map[models.ChannelType]Adapter

// Get returns the adapter for a channel type.
func (r AdapterRegistry) Get(t models.ChannelType) (Adapter, error) {
	a, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel type %q", t)
	}
	return a, nil
}

func credentialString(channel *models.Channel, key string) (string, error) {
	v, ok := channel.Credentials[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("channel %s is missing credential %q", channel.ID, key)
	}
	return v, nil
}
