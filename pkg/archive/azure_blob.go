// Package archive provides post-run cold storage of acquisition assets.
// Once a run stops, the binary files its stream resources referenced can
// be copied to Azure Blob Storage for retention; the catalog keeps
// pointing at the primary copies and is not modified.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// Archiver stores run assets for cold retention.
type Archiver interface {
	ArchiveRun(ctx context.Context, runUID string, assetPaths []string) error
}

// AzureBlobArchiver implements Archiver for Azure Blob Storage using shared
// keys. The client setup is intentionally close to the lightweight blob
// clients used elsewhere in the platform so local Azurite instances over
// HTTP work unchanged.
type AzureBlobArchiver struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	credential    *azblob.SharedKeyCredential
	logger        *zap.Logger
	containerInit bool
}

// NewAzureBlobArchiver creates an archiver from a standard connection string.
func NewAzureBlobArchiver(connectionString, containerName string, logger *zap.Logger) (*AzureBlobArchiver, error) {
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

	return &AzureBlobArchiver{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		credential:    credential,
		logger:        logger,
	}, nil
}

// ArchiveRun uploads each asset file under the run's prefix. Files that
// cannot be read or uploaded are reported after attempting the rest;
// the catalog state is unaffected either way.
func (a *AzureBlobArchiver) ArchiveRun(ctx context.Context, runUID string, assetPaths []string) error {
	if runUID == "" {
		return fmt.Errorf("run uid is required")
	}

	var errs []error
	for _, assetPath := range assetPaths {
		data, err := os.ReadFile(assetPath)
		if err != nil {
			a.logger.Error("Failed to read asset file",
				zap.String("run_uid", runUID),
				zap.String("asset", assetPath),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("read %s: %w", assetPath, err))
			continue
		}

		blobPath := runUID + "/" + filepath.Base(assetPath)
		if err := a.uploadAsset(ctx, blobPath, data, map[string]string{
			"run_uid":     runUID,
			"source_path": assetPath,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hook adapts the archiver to the dispatcher's stop callback. Archival
// runs with a background context and only logs failures: the run is
// already committed to the catalog when the hook fires.
func (a *AzureBlobArchiver) Hook() func(runUID string, assets []string) {
	return func(runUID string, assets []string) {
		if len(assets) == 0 {
			return
		}
		if err := a.ArchiveRun(context.Background(), runUID, assets); err != nil {
			a.logger.Error("Run archival failed",
				zap.String("run_uid", runUID),
				zap.Error(err))
		}
	}
}

// uploadAsset uploads one asset to the configured container.
func (a *AzureBlobArchiver) uploadAsset(ctx context.Context, blobPath string, data []byte, metadata map[string]string) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	containerClient := a.client.ServiceClient().NewContainerClient(a.containerName)
	blobClient := containerClient.NewBlockBlobClient(blobPath)

	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/octet-stream"),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Info("Archived asset",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return nil
}

func (a *AzureBlobArchiver) ensureContainer(ctx context.Context) error {
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			a.containerInit = true
			return nil
		}
		if errors.As(err, &respErr) {
			if respErr.ErrorCode == "ContainerAlreadyExists" {
				a.containerInit = true
				return nil
			}
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
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
		key := part[:idx]
		value := part[idx+1:]
		params[key] = value
	}
	return params
}
