package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"clonekernel/internal/clonesession"
	"clonekernel/internal/cloneconfig"
	cloneconfigfile "clonekernel/internal/cloneconfig/file"
	"clonekernel/internal/handle"
	"clonekernel/internal/iosource"
	"clonekernel/internal/snapshot"
	"clonekernel/internal/transport/azuretransport"
	"clonekernel/internal/transport/localfile"
	"clonekernel/internal/transport/s3transport"
)

// loadConfig reads the session's cloneconfig.Config, failing loudly if
// "configure" hasn't run yet.
func loadConfig(ctx context.Context, dir string) (*cloneconfig.Config, error) {
	store := cloneconfigfile.NewStore(filepath.Join(dir, "config.json"))
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no configuration found in %s; run 'cloneadm configure' first", dir)
	}
	return cfg, nil
}

// buildTransport constructs the handle.Transport backend cfg names,
// dialing the real cloud SDK client for s3/azureblob (spec §6).
func buildTransport(ctx context.Context, cfg *cloneconfig.Config) (handle.Transport, error) {
	switch cfg.Transport {
	case cloneconfig.TransportLocalFile:
		dir := cfg.TransportParams["dir"]
		if dir == "" {
			return nil, fmt.Errorf("localfile transport requires a transport param %q", "dir")
		}
		return localfile.New(dir)

	case cloneconfig.TransportS3:
		bucket := cfg.TransportParams["bucket"]
		prefix := cfg.TransportParams["prefix"]
		if bucket == "" {
			return nil, fmt.Errorf("s3 transport requires a transport param %q", "bucket")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return s3transport.New(ctx, client, bucket, prefix), nil

	case cloneconfig.TransportAzureBlob:
		container := cfg.TransportParams["container"]
		connStr := cfg.TransportParams["connection_string"]
		prefix := cfg.TransportParams["prefix"]
		if container == "" || connStr == "" {
			return nil, fmt.Errorf("azureblob transport requires transport params %q and %q", "container", "connection_string")
		}
		client, err := azblob.NewClientFromConnectionString(connStr, nil)
		if err != nil {
			return nil, fmt.Errorf("new azure blob client: %w", err)
		}
		return azuretransport.New(ctx, client, container, prefix), nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
}

// discoverFiles lists the *.ibd tablespace files under cfg.DataDir in a
// stable order, assigning each a dense id starting at 0. Real InnoDB
// space-id assignment is out of scope (spec §1); this CLI only needs
// ids dense enough to index iosource.FileRegistry and snapshot.AddFile.
func discoverFiles(dataDir string) ([]clonesession.FileEntry, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".ibd" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]clonesession.FileEntry, len(names))
	for i, name := range names {
		files[i] = clonesession.FileEntry{
			FileID:  uint32(i),
			SpaceID: uint32(i),
			Path:    filepath.Join(dataDir, name),
		}
	}
	return files, nil
}

// buildSnapshotSources wires internal/iosource's disk-backed collaborators
// for the given file list and master key, returning the registry
// alongside the snapshot so callers can Close it when done.
func buildSnapshotSources(files []clonesession.FileEntry, cfg *cloneconfig.Config) (*snapshot.Snapshot, *iosource.FileRegistry, *iosource.RedoLog, error) {
	paths := make(map[uint32]string, len(files))
	for _, f := range files {
		paths[f.FileID] = f.Path
	}
	registry := iosource.NewFileRegistry(paths)

	redoLog, err := iosource.OpenRedoLog(filepath.Join(cfg.DataDir, "ib_logfile0"))
	if err != nil {
		registry.Close()
		return nil, nil, nil, fmt.Errorf("open redo log: %w", err)
	}

	destKey := deriveDestKey(cfg.MasterKeyID)
	reencryptor, err := iosource.NewChaCha20Reencryptor(destKey, 0, 32)
	if err != nil {
		registry.Close()
		redoLog.Close()
		return nil, nil, nil, fmt.Errorf("new reencryptor: %w", err)
	}

	compressor, err := iosource.NewZstdCompressor(0)
	if err != nil {
		registry.Close()
		redoLog.Close()
		return nil, nil, nil, fmt.Errorf("new compressor: %w", err)
	}

	maxFiles := len(files)
	if maxFiles == 0 {
		maxFiles = 1
	}
	snap := snapshot.New(maxFiles, registry, registry, redoLog, reencryptor, compressor)
	return snap, registry, redoLog, nil
}

// registerFiles adds every discovered file to snap in a contiguous chunk
// range, updating each entry's Begin/EndChunk in place and returning the
// total chunk count (spec §4.4 invariant I5).
func registerFiles(snap *snapshot.Snapshot, files []clonesession.FileEntry) (uint32, error) {
	chunkBytes := int64(snap.ChunkSize()) * 16*1024
	var cursor uint32
	for i := range files {
		info, err := os.Stat(files[i].Path)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", files[i].Path, err)
		}
		numChunks := uint32((info.Size() + chunkBytes - 1) / chunkBytes)
		if numChunks == 0 {
			numChunks = 1
		}
		files[i].BeginChunk = cursor
		files[i].EndChunk = cursor + numChunks - 1
		if _, err := snap.AddFile(files[i].FileID, files[i].SpaceID, files[i].Path, files[i].BeginChunk, files[i].EndChunk); err != nil {
			return 0, fmt.Errorf("add file %s: %w", files[i].Path, err)
		}
		cursor += numChunks
	}
	snap.SetNumChunks(cursor)
	return cursor, nil
}

// deriveDestKey turns an operator-facing master key id into the 32-byte
// key chacha20poly1305 needs. Real master-key storage (a keyring, a KMS)
// is out of scope (spec §1 treats the destination master key as a given);
// this CLI only needs a deterministic, fixed-length key to exercise the
// Reencryptor path end to end.
func deriveDestKey(masterKeyID string) []byte {
	const keySize = 32
	key := make([]byte, keySize)
	h := fnv64aSeed
	for i := 0; i < len(masterKeyID); i++ {
		h ^= uint64(masterKeyID[i])
		h *= 1099511628211
		key[i%keySize] ^= byte(h)
	}
	return key
}

const fnv64aSeed = 14695981039346656037
