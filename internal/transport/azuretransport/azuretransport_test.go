package azuretransport

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

type fakeAzureClient struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeAzureClient() *fakeAzureClient {
	return &fakeAzureClient{blobs: make(map[string][]byte)}
}

func (f *fakeAzureClient) UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, options *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[blobName] = append([]byte(nil), buffer...)
	return azblob.UploadBufferResponse{}, nil
}

func (f *fakeAzureClient) DownloadStream(ctx context.Context, containerName, blobName string, options *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[blobName]
	if !ok {
		code := string(blob.StorageErrorCodeBlobNotFound)
		return azblob.DownloadStreamResponse{}, &azcore.ResponseError{ErrorCode: code}
	}
	return azblob.DownloadStreamResponse{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func TestSendRecvRoundTrip(t *testing.T) {
	client := newFakeAzureClient()
	tr := New(context.Background(), client, "container", "clone-1")

	if err := tr.Send([]byte("alpha")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Send([]byte("beta")); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := tr.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "alpha" {
		t.Fatalf("expected %q, got %q", "alpha", got)
	}

	got, err = tr.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "beta" {
		t.Fatalf("expected %q, got %q", "beta", got)
	}
}

func TestRecvWaitsForLateArrival(t *testing.T) {
	client := newFakeAzureClient()
	tr := New(context.Background(), client, "container", "clone-1")
	tr.pollInterval = time.Millisecond

	done := make(chan []byte, 1)
	go func() {
		data, err := tr.Recv()
		if err != nil {
			t.Error(err)
			return
		}
		done <- data
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tr.Send([]byte("late")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "late" {
			t.Fatalf("expected %q, got %q", "late", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recv did not observe the late arrival")
	}
}
