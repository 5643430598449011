package archive

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

// Azurite's well-known development credentials; the key is public.
const devConnectionString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1"

func TestNewAzureBlobArchiverValidation(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		logger           *zap.Logger
	}{
		{"nil logger", devConnectionString, "archive", nil},
		{"empty connection string", "", "archive", logger},
		{"empty container name", devConnectionString, "", logger},
		{"missing account name", "AccountKey=a2V5;BlobEndpoint=http://127.0.0.1:10000/dev", "archive", logger},
		{"missing account key", "AccountName=devstoreaccount1", "archive", logger},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAzureBlobArchiver(tc.connectionString, tc.containerName, tc.logger); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewAzureBlobArchiverFromDevConnectionString(t *testing.T) {
	archiver, err := NewAzureBlobArchiver(devConnectionString, "archive", zap.NewNop())
	if err != nil {
		t.Fatalf("NewAzureBlobArchiver: %v", err)
	}
	if archiver.serviceURL != "http://127.0.0.1:10000/devstoreaccount1" {
		t.Errorf("service URL = %q", archiver.serviceURL)
	}
	if archiver.containerName != "archive" {
		t.Errorf("container = %q", archiver.containerName)
	}
}

func TestNewAzureBlobArchiverDefaultsEndpoint(t *testing.T) {
	archiver, err := NewAzureBlobArchiver("AccountName=prodaccount;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==", "archive", zap.NewNop())
	if err != nil {
		t.Fatalf("NewAzureBlobArchiver: %v", err)
	}
	if archiver.serviceURL != "https://prodaccount.blob.core.windows.net" {
		t.Errorf("service URL = %q", archiver.serviceURL)
	}
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=acct;AccountKey=a2V5PQ==; BlobEndpoint=http://localhost:10000/acct ;;malformed")

	if params["AccountName"] != "acct" {
		t.Errorf("AccountName = %q", params["AccountName"])
	}
	// Values may themselves contain "=" (base64 keys)
	if params["AccountKey"] != "a2V5PQ==" {
		t.Errorf("AccountKey = %q", params["AccountKey"])
	}
	if params["BlobEndpoint"] != "http://localhost:10000/acct" {
		t.Errorf("BlobEndpoint = %q", params["BlobEndpoint"])
	}
	if _, ok := params["malformed"]; ok {
		t.Error("malformed segment should be skipped")
	}
}

func TestArchiveRunRequiresRunUID(t *testing.T) {
	archiver, err := NewAzureBlobArchiver(devConnectionString, "archive", zap.NewNop())
	if err != nil {
		t.Fatalf("NewAzureBlobArchiver: %v", err)
	}
	if err := archiver.ArchiveRun(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty run uid")
	}
}
