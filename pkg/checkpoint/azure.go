package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// BlobStore persists the latest snapshot of each run as a JSON blob in an
// Azure Blob Storage container. Each checkpoint overwrites the run's blob,
// so the blob always holds the newest consistent state. The shared-key
// client also targets local Azurite instances over HTTP.
type BlobStore struct {
	client        *azblob.Client
	containerName string
	logger        *zap.Logger
	containerInit bool
}

// NewBlobStore creates a blob-backed checkpoint store from a standard Azure
// storage connection string.
func NewBlobStore(connectionString, containerName string, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobStore{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Checkpoint implements Hook by uploading the snapshot as the run's blob.
func (b *BlobStore) Checkpoint(ctx context.Context, snap Snapshot) error {
	if err := b.ensureContainer(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	blobPath := blobPathFor(snap.RunID)
	metadata := map[string]*string{
		"step":    to.Ptr(strconv.Itoa(snap.Step)),
		"version": to.Ptr(strconv.FormatUint(snap.Version, 10)),
	}

	blobClient := b.client.ServiceClient().
		NewContainerClient(b.containerName).
		NewBlockBlobClient(blobPath)

	_, err = blobClient.UploadBuffer(ctx, payload, &azblob.UploadBufferOptions{
		Metadata: metadata,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		b.logger.Error("Failed to upload checkpoint blob",
			zap.String("blob_path", blobPath),
			zap.String("run_id", snap.RunID),
			zap.Int("step", snap.Step),
			zap.Error(err))
		return fmt.Errorf("checkpoint upload failed: %w", err)
	}

	b.logger.Debug("Uploaded checkpoint blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(payload)),
		zap.Int("step", snap.Step))
	return nil
}

// Load fetches the latest snapshot of a run from blob storage.
func (b *BlobStore) Load(ctx context.Context, runID string) (Snapshot, error) {
	blobClient := b.client.ServiceClient().
		NewContainerClient(b.containerName).
		NewBlobClient(blobPathFor(runID))

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to download checkpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read checkpoint data: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return snap, nil
}

func (b *BlobStore) ensureContainer(ctx context.Context) error {
	if b.containerInit {
		return nil
	}

	_, err := b.client.CreateContainer(ctx, b.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			b.containerInit = true
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			b.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	b.containerInit = true
	return nil
}

// blobPathFor returns the blob path holding a run's latest checkpoint.
func blobPathFor(runID string) string {
	return fmt.Sprintf("runs/%s/checkpoint.json", runID)
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
