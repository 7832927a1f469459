package pki

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/valkey-io/valkey-go"
)

// ValkeyRevocationCache keeps OCSP results in valkey so all instances share them.
type ValkeyRevocationCache struct {
	valkeyClient valkey.Client
	prefix       string
}

func NewValkeyRevocationCache(valkeyClient valkey.Client) *ValkeyRevocationCache {
	return &ValkeyRevocationCache{
		valkeyClient: valkeyClient,
		prefix:       "ocsp:",
	}
}

func (v *ValkeyRevocationCache) Get(ctx context.Context, key string) (*OCSPStatus, error) {
	cmd := v.valkeyClient.B().Get().Key(v.prefix + key).Build()
	data, err := v.valkeyClient.Do(ctx, cmd).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ocsp status from valkey: %w", err)
	}

	status := new(OCSPStatus)
	if err := cbor.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("decoding cached ocsp status: %w", err)
	}
	return status, nil
}

func (v *ValkeyRevocationCache) Put(ctx context.Context, key string, status *OCSPStatus, ttl time.Duration) error {
	data, err := cbor.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding ocsp status: %w", err)
	}
	cmd := v.valkeyClient.B().Set().Key(v.prefix + key).Value(valkey.BinaryString(data)).Ex(ttl).Build()
	if err := v.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storing ocsp status in valkey: %w", err)
	}
	return nil
}
