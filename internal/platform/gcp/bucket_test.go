package gcp

import (
	"strings"
	"testing"
)

func TestResolvePublicBaseURLGCSDefault(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_PUBLIC_BASE_URL", "")

	baseURL, err := resolvePublicBaseURL(ObjectStorageConfig{Mode: ObjectStorageModeGCS})
	if err != nil {
		t.Fatalf("resolvePublicBaseURL: %v", err)
	}
	if baseURL != "" {
		t.Fatalf("baseURL: want empty got=%q", baseURL)
	}
}

func TestResolvePublicBaseURLEmulatorFallback(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_PUBLIC_BASE_URL", "")

	baseURL, err := resolvePublicBaseURL(ObjectStorageConfig{
		Mode:         ObjectStorageModeGCSEmulator,
		EmulatorHost: "http://fake-gcs:4443",
	})
	if err != nil {
		t.Fatalf("resolvePublicBaseURL: %v", err)
	}
	if baseURL != "http://fake-gcs:4443" {
		t.Fatalf("baseURL: want=%q got=%q", "http://fake-gcs:4443", baseURL)
	}
}

func TestResolvePublicBaseURLInvalidEnv(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_PUBLIC_BASE_URL", "localhost:4443")

	_, err := resolvePublicBaseURL(ObjectStorageConfig{
		Mode:         ObjectStorageModeGCSEmulator,
		EmulatorHost: "http://fake-gcs:4443",
	})
	if err == nil {
		t.Fatalf("resolvePublicBaseURL: expected error, got nil")
	}
}

func TestGetPublicURLGCSDefault(t *testing.T) {
	bs := &bucketService{
		generatedBucket: bucketConfig{name: "generated-bucket"},
	}

	got := bs.GetPublicURL(BucketCategoryGenerated, "generated/abc_1.png")
	want := "https://storage.googleapis.com/generated-bucket/generated/abc_1.png"
	if got != want {
		t.Fatalf("GetPublicURL: want=%q got=%q", want, got)
	}
}

func TestGetPublicURLUsesCDNDomain(t *testing.T) {
	bs := &bucketService{
		dataSourceBucket: bucketConfig{
			name:      "datasource-bucket",
			cdnDomain: "cdn.example.com",
		},
	}

	got := bs.GetPublicURL(BucketCategoryDataSource, "datasets/sales.csv")
	want := "https://cdn.example.com/datasets/sales.csv"
	if got != want {
		t.Fatalf("GetPublicURL: want=%q got=%q", want, got)
	}
}

func TestGetPublicURLUsesEmulatorMediaEndpoint(t *testing.T) {
	bs := &bucketService{
		storageMode:   ObjectStorageModeGCSEmulator,
		publicBaseURL: "http://localhost:4443",
		generatedBucket: bucketConfig{
			name: "generated-bucket",
		},
	}

	got := bs.GetPublicURL(BucketCategoryGenerated, "generated/abc/1.png")
	want := "http://localhost:4443/storage/v1/b/generated-bucket/o/generated%2Fabc%2F1.png?alt=media"
	if got != want {
		t.Fatalf("GetPublicURL: want=%q got=%q", want, got)
	}
}

func TestGetPublicURLUsesEmulatorHostWhenPublicBaseMissing(t *testing.T) {
	bs := &bucketService{
		storageMode:  ObjectStorageModeGCSEmulator,
		emulatorHost: "http://fake-gcs:4443",
		generatedBucket: bucketConfig{
			name: "generated-bucket",
		},
	}

	got := bs.GetPublicURL(BucketCategoryGenerated, "/generated/abc/1.png")
	want := "http://fake-gcs:4443/storage/v1/b/generated-bucket/o/generated%2Fabc%2F1.png?alt=media"
	if got != want {
		t.Fatalf("GetPublicURL: want=%q got=%q", want, got)
	}
}

func TestEmulatorPublicURLSmokeArtifacts(t *testing.T) {
	bs := &bucketService{
		storageMode:   ObjectStorageModeGCSEmulator,
		publicBaseURL: "http://localhost:4443",
		dataSourceBucket: bucketConfig{
			name: "datasource-bucket",
		},
		generatedBucket: bucketConfig{
			name: "generated-bucket",
		},
	}

	cases := []struct {
		name       string
		category   BucketCategory
		key        string
		wantBucket string
		wantCT     string
	}{
		{
			name:       "generated png",
			category:   BucketCategoryGenerated,
			key:        "generated/rec/1.png",
			wantBucket: "generated-bucket",
			wantCT:     "image/png",
		},
		{
			name:       "generated csv",
			category:   BucketCategoryGenerated,
			key:        "generated/rec/table.csv",
			wantBucket: "generated-bucket",
			wantCT:     "text/csv",
		},
		{
			name:       "datasource csv",
			category:   BucketCategoryDataSource,
			key:        "datasets/u/sales.csv",
			wantBucket: "datasource-bucket",
			wantCT:     "text/csv",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			publicURL := bs.GetPublicURL(tc.category, tc.key)
			if !strings.HasPrefix(publicURL, "http://localhost:4443/storage/v1/b/"+tc.wantBucket+"/o/") {
				t.Fatalf("publicURL prefix mismatch for %s: %s", tc.name, publicURL)
			}
			if !strings.Contains(publicURL, "alt=media") {
				t.Fatalf("publicURL should include alt=media for object media endpoint: %s", publicURL)
			}
			if !strings.Contains(publicURL, strings.ReplaceAll(tc.key, "/", "%2F")) {
				t.Fatalf("publicURL should escape object key path: %s", publicURL)
			}
			if got := contentTypeForKey(tc.key); got != tc.wantCT {
				t.Fatalf("contentTypeForKey(%q): want=%q got=%q", tc.key, tc.wantCT, got)
			}
		})
	}
}

func TestResolveObjectStorageConfigFromEnvModes(t *testing.T) {
	cases := []struct {
		name         string
		mode         string
		emulatorHost string
		want         ObjectStorageMode
		wantErr      bool
	}{
		{name: "default gcs", mode: "", emulatorHost: "", want: ObjectStorageModeGCS},
		{name: "default emulator when host set", mode: "", emulatorHost: "http://fake-gcs:4443", want: ObjectStorageModeGCSEmulator},
		{name: "explicit gcs", mode: "gcs", emulatorHost: "", want: ObjectStorageModeGCS},
		{name: "explicit emulator", mode: "gcs_emulator", emulatorHost: "http://fake-gcs:4443", want: ObjectStorageModeGCSEmulator},
		{name: "emulator without host", mode: "gcs_emulator", emulatorHost: "", wantErr: true},
		{name: "emulator with bad host", mode: "gcs_emulator", emulatorHost: "fake-gcs:4443", wantErr: true},
		{name: "unknown mode", mode: "s3", emulatorHost: "", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OBJECT_STORAGE_MODE", tc.mode)
			t.Setenv("STORAGE_EMULATOR_HOST", tc.emulatorHost)

			cfg, err := ResolveObjectStorageConfigFromEnv()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got cfg=%+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveObjectStorageConfigFromEnv: %v", err)
			}
			if cfg.Mode != tc.want {
				t.Fatalf("mode: want=%q got=%q", tc.want, cfg.Mode)
			}
		})
	}
}
