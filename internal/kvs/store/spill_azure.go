package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureBlobSpiller is an alternate SpillBackend that cold-spills allocations
// to an Azure Blob container instead of local disk, demonstrating that the
// content store's spill interface is storage-agnostic (spec §4.1: "a spill
// implementation may back allocations with memory-mapped files; the
// interface is identical" — a remote object store is the same shape).
type AzureBlobSpiller struct {
	client    *azblob.Client
	container string
	ctx       context.Context
}

// NewAzureBlobSpiller authenticates against serviceURL using the ambient
// credential chain (environment, managed identity, CLI login — whichever
// azidentity.NewDefaultAzureCredential resolves) and targets container for
// spilled allocation blobs.
func NewAzureBlobSpiller(ctx context.Context, serviceURL, container string) (*AzureBlobSpiller, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob client: %w", err)
	}
	return &AzureBlobSpiller{client: client, container: container, ctx: ctx}, nil
}

func (a *AzureBlobSpiller) Write(id string, data []byte) error {
	_, err := a.client.UploadBuffer(a.ctx, a.container, id, data, nil)
	return err
}

func (a *AzureBlobSpiller) Read(id string) ([]byte, error) {
	resp, err := a.client.DownloadStream(a.ctx, a.container, id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *AzureBlobSpiller) Delete(id string) error {
	_, err := a.client.DeleteBlob(a.ctx, a.container, id, nil)
	return err
}
