// Package azuretransport ships clone descriptors to and from an Azure
// Blob Storage container (spec §6 "transport.azuretransport"), using
// the same sequence-numbered-blob framing s3transport uses for
// objects: one blob per Send, polled for on Recv.
package azuretransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

const defaultPollInterval = 250 * time.Millisecond

// Client is the subset of *azblob.Client this package needs, so tests
// can substitute a fake without a real storage account.
type Client interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, options *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, options *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// Transport is a container-and-prefix-backed descriptor stream.
type Transport struct {
	ctx          context.Context
	client       Client
	container    string
	prefix       string
	pollInterval time.Duration

	sendSeq uint64
	recvSeq uint64
}

// New creates a Transport against the given container, namespacing
// every blob under prefix.
func New(ctx context.Context, client Client, container, prefix string) *Transport {
	return &Transport{
		ctx:          ctx,
		client:       client,
		container:    container,
		prefix:       prefix,
		pollInterval: defaultPollInterval,
	}
}

func (t *Transport) blobName(seq uint64) string {
	return fmt.Sprintf("%s/%010d.clonemsg", t.prefix, seq)
}

// Send uploads descriptor as the next sequence-numbered blob.
func (t *Transport) Send(descriptor []byte) error {
	name := t.blobName(t.sendSeq)
	_, err := t.client.UploadBuffer(t.ctx, t.container, name, descriptor, nil)
	if err != nil {
		return fmt.Errorf("azuretransport: upload %s: %w", name, err)
	}
	t.sendSeq++
	return nil
}

// Recv downloads the next sequence-numbered blob, polling until it
// exists.
func (t *Transport) Recv() ([]byte, error) {
	name := t.blobName(t.recvSeq)
	for {
		resp, err := t.client.DownloadStream(t.ctx, t.container, name, nil)
		if err == nil {
			body := resp.Body
			data, readErr := io.ReadAll(body)
			body.Close()
			if readErr != nil {
				return nil, fmt.Errorf("azuretransport: read %s: %w", name, readErr)
			}
			t.recvSeq++
			return data, nil
		}
		if !isBlobNotFound(err) {
			return nil, fmt.Errorf("azuretransport: download %s: %w", name, err)
		}
		select {
		case <-t.ctx.Done():
			return nil, fmt.Errorf("azuretransport: %w", t.ctx.Err())
		case <-time.After(t.pollInterval):
		}
	}
}

func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.ErrorCode == string(blob.StorageErrorCodeBlobNotFound)
	}
	return false
}
