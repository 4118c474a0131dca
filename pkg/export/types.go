// Package export pushes approved drafts to the tenant's ERP over a
// shared file dropzone and consumes the acknowledgment files the ERP
// writes back. One export record exists per (tenant, draft, draft
// version); the unique idempotency key makes duplicate pushes refuse
// instead of double-writing.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/secrets"
)

// ConnectionType names the connector protocol. DROPZONE_JSON_V1 is the
// only wired kind: JSON files exchanged over a shared directory,
// local or SFTP.
type ConnectionType string

const TypeDropzoneJSONV1 ConnectionType = "DROPZONE_JSON_V1"

// ConnectionStatus gates whether a connection participates in exports
// and ack polling.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "ACTIVE"
	ConnectionInactive ConnectionStatus = "INACTIVE"
)

// configConstraint is the supported range of connection config
// schemas. A config written for a future major version is refused
// rather than half-understood.
var configConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint("^1")
	if err != nil {
		panic(err)
	}
	return c
}()

// Connection is a tenant's outbound ERP endpoint. The config comes
// out of the database encrypted; OpenConfig needs the process secrets
// box to read it.
type Connection struct {
	ID       uuid.UUID        `json:"id"`
	TenantID uuid.UUID        `json:"tenant_id"`
	Type     ConnectionType   `json:"type"`
	Status   ConnectionStatus `json:"status"`
	// ConfigSealed is the encrypted ConnectionConfig blob.
	ConfigSealed []byte     `json:"-"`
	LastTestedAt *time.Time `json:"last_tested_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ConnectionConfig is the plaintext inside the sealed blob.
type ConnectionConfig struct {
	// SchemaVersion is a semver checked against ^1 on open and seal.
	SchemaVersion string `json:"schema_version"`
	// ExportPath is the directory the ERP ingests from.
	ExportPath string `json:"export_path"`
	// AckPath, when set, is the directory the ERP writes ack files
	// into; connections without one are skipped by the poller.
	AckPath string `json:"ack_path,omitempty"`
	// SFTP switches the dropzone from the local filesystem to a remote
	// host. Paths above are then remote paths.
	SFTP *SFTPConfig `json:"sftp,omitempty"`
}

// SFTPConfig carries the remote dropzone credentials. Either Password
// or PrivateKeyPEM must be set.
type SFTPConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	User          string `json:"user"`
	Password      string `json:"password,omitempty"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
	// HostKey is the expected server key in authorized_keys format.
	// Empty skips verification, which is acceptable only inside a
	// private network.
	HostKey string `json:"host_key,omitempty"`
}

// Validate checks the decrypted config before first use.
func (c *ConnectionConfig) Validate() error {
	v, err := semver.NewVersion(c.SchemaVersion)
	if err != nil {
		return fmt.Errorf("export: config schema_version %q: %w", c.SchemaVersion, err)
	}
	if !configConstraint.Check(v) {
		return fmt.Errorf("%w: schema_version %s outside %s", ErrConfigVersion, c.SchemaVersion, configConstraint)
	}
	if c.ExportPath == "" {
		return errors.New("export: config export_path is required")
	}
	if c.SFTP != nil {
		if c.SFTP.Host == "" || c.SFTP.User == "" {
			return errors.New("export: sftp config needs host and user")
		}
		if c.SFTP.Password == "" && c.SFTP.PrivateKeyPEM == "" {
			return errors.New("export: sftp config needs a password or private key")
		}
	}
	return nil
}

// connectionAAD binds a sealed config to its owning tenant and
// connection type. Moving a blob between rows fails decryption.
func connectionAAD(tenantID uuid.UUID, typ ConnectionType) []byte {
	return []byte(tenantID.String() + "|" + string(typ))
}

// SealConfig validates and encrypts a config for storage on a
// connection of the given tenant and type.
func SealConfig(box *secrets.Box, tenantID uuid.UUID, typ ConnectionType, cfg ConnectionConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	plain, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("export: marshal config: %w", err)
	}
	return box.Seal(plain, connectionAAD(tenantID, typ))
}

// OpenConfig decrypts and validates the connection's config blob.
func (c *Connection) OpenConfig(box *secrets.Box) (*ConnectionConfig, error) {
	plain, err := box.Open(c.ConfigSealed, connectionAAD(c.TenantID, c.Type))
	if err != nil {
		return nil, fmt.Errorf("export: open config for connection %s: %w", c.ID, err)
	}
	var cfg ConnectionConfig
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, fmt.Errorf("export: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Export is one push attempt for a draft version. RetryCount counts
// explicit re-sends of a FAILED record; there is no automatic retry.
type Export struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	DraftID      uuid.UUID `json:"draft_id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	DraftVersion int64     `json:"draft_version"`

	Status         contracts.ExportStatus `json:"status"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Filename       string                 `json:"filename,omitempty"`
	StorageKey     string                 `json:"storage_key,omitempty"`
	DropzonePath   string                 `json:"dropzone_path,omitempty"`
	ERPOrderID     string                 `json:"erp_order_id,omitempty"`
	Error          *contracts.ErrorDetail `json:"error,omitempty"`
	LatencyMS      int64                  `json:"latency_ms,omitempty"`
	RetryCount     int                    `json:"retry_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdempotencyKey is the canonical hash that makes (tenant, draft,
// version) unique across export attempts.
func IdempotencyKey(tenantID, draftID uuid.UUID, draftVersion int64) string {
	key, err := canonicalKey(tenantID, draftID, draftVersion)
	if err != nil {
		// The input is three fixed-shape values; canonicalization
		// cannot fail on them.
		panic(err)
	}
	return key
}
