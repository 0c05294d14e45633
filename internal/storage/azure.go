package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
)

// AzureSource implements Source for Azure Blob Storage
type AzureSource struct {
	client *azblob.Client
}

// NewAzureSource creates an Azure Blob source. Without an account key, blobs
// are read anonymously and must allow public access.
func NewAzureSource(cfg config.AzureBlobSource) (*AzureSource, error) {
	endpointSuffix := cfg.EndpointSuffix
	if endpointSuffix == "" {
		endpointSuffix = "core.windows.net"
	}

	as := &AzureSource{}

	if cfg.AccountKey != "" {
		connectionString := fmt.Sprintf(
			"DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=%s",
			cfg.Account,
			cfg.AccountKey,
			endpointSuffix,
		)
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		as.client = client
	}

	return as, nil
}

// Open reads the blob's properties
func (as *AzureSource) Open(ctx context.Context, uri string) (File, error) {
	serviceURL, containerName, blobName, err := parseAzureBlobURL(uri)
	if err != nil {
		return nil, ingesterr.Validation("open-source", "invalid Azure blob URI: %v", err)
	}

	client := as.client
	if client == nil {
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create anonymous Azure client: %w", err)
		}
	}

	props, err := client.ServiceClient().
		NewContainerClient(containerName).
		NewBlobClient(blobName).
		GetProperties(ctx, nil)
	if err != nil {
		return nil, azureError(ctx, "open-source", uri, err)
	}

	info := FileInfo{
		Path: uri,
		Name: path.Base(blobName),
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.ContentType != nil && *props.ContentType != "" {
		info.ContentType = *props.ContentType
	} else {
		info.ContentType = contentTypeFor(blobName)
	}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}

	slog.Debug("Opened Azure blob",
		"container", containerName,
		"blobName", blobName,
		"size", info.Size,
	)

	return &azureFile{
		client:    client,
		container: containerName,
		blob:      blobName,
		info:      info,
	}, nil
}

// GetType returns the source type
func (as *AzureSource) GetType() string {
	return "azure-blob"
}

type azureFile struct {
	client    *azblob.Client
	container string
	blob      string
	info      FileInfo
}

func (af *azureFile) Info() FileInfo {
	return af.info
}

func (af *azureFile) ReadChunk(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := checkRange("read-chunk", af.info.Size, offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	resp, err := af.client.DownloadStream(ctx, af.container, af.blob, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: length},
	})
	if err != nil {
		return nil, azureError(ctx, "read-chunk", af.info.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, requestError(ctx, "read-chunk", fmt.Errorf("failed to read blob range: %w", err))
	}
	return buf, nil
}

func (af *azureFile) Close() error {
	return nil
}

func azureError(ctx context.Context, op, uri string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return notFound(op, uri)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return httpStatusError(op, uri, respErr.StatusCode)
	}
	return requestError(ctx, op, err)
}

// parseAzureBlobURL splits a blob URL such as
// https://account.blob.core.windows.net/container/path/to/blob.mp4
func parseAzureBlobURL(blobURI string) (serviceURL, containerName, blobName string, err error) {
	parsedURL, err := url.Parse(blobURI)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to parse URL: %w", err)
	}

	hostParts := strings.Split(parsedURL.Host, ".")
	if len(hostParts) < 2 {
		return "", "", "", fmt.Errorf("invalid Azure blob hostname format")
	}

	pathParts := strings.SplitN(strings.Trim(parsedURL.Path, "/"), "/", 2)
	if len(pathParts) < 2 || pathParts[0] == "" || pathParts[1] == "" {
		return "", "", "", fmt.Errorf("invalid Azure blob path format")
	}

	scheme := parsedURL.Scheme
	if scheme == "" {
		scheme = "https"
	}
	serviceURL = scheme + "://" + parsedURL.Host + "/"
	return serviceURL, pathParts[0], pathParts[1], nil
}
