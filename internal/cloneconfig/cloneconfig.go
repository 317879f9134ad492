// Package cloneconfig provides configuration persistence for a clone
// session's static parameters (spec §2 ambient stack "cloneconfig").
//
// Config describes what a clone session needs before it can begin:
// where its data directory is, how it chunks/blocks files, which
// master key re-encrypts tablespace keys, and which transport carries
// its descriptor stream. This is control-plane state, fixed for the
// lifetime of one clone session — it is not touched on the COPY/APPLY
// hot path, matching the discipline the teacher's own config.Store
// documents for system configuration generally.
package cloneconfig

import "context"

// Store persists and loads a clone session's Config.
type Store interface {
	// Load reads the configuration. Returns nil if none exists yet.
	Load(ctx context.Context) (*Config, error)
	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// TransportKind selects which transport backend a clone session uses
// to ship its descriptor stream.
type TransportKind string

const (
	TransportLocalFile TransportKind = "localfile"
	TransportS3        TransportKind = "s3"
	TransportAzureBlob TransportKind = "azureblob"
)

// Config is the declarative shape of one clone session (spec §2, §6).
type Config struct {
	// DataDir is the local InnoDB data directory the copy side reads
	// from, or the apply side writes to.
	DataDir string

	// ChunkSizeExponent and BlockSizeExponent set chunk/block sizes as
	// powers of two (spec §3 "Chunk", "Block"): size = 1 << exponent.
	ChunkSizeExponent uint
	BlockSizeExponent uint

	// MasterKeyID names the destination master key used to re-encrypt
	// tablespace keys during PAGE_COPY (spec §4.3 "Reencryptor").
	MasterKeyID string

	// Transport selects the backend in internal/transport this session
	// ships descriptors over.
	Transport TransportKind

	// TransportParams holds backend-specific parameters (bucket name,
	// container name, local directory, prefix), keyed the same way the
	// teacher's ReceiverConfig/StoreConfig carry free-form Params for
	// their own pluggable backends.
	TransportParams map[string]string
}
