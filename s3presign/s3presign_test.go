package s3presign

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_awsConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))

	tests := []struct {
		name    string
		params  Params
		wantErr string
	}{
		{
			name:   "static keys",
			params: Params{Region: "eu-west-1", AccessKeyID: "AKID", SecretAccessKey: "secret"},
		},
		{
			name:    "missing region",
			params:  Params{AccessKeyID: "AKID", SecretAccessKey: "secret"},
			wantErr: "region",
		},
		{
			name:    "access key without secret",
			params:  Params{Region: "eu-west-1", AccessKeyID: "AKID"},
			wantErr: "must be set together",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := awsConfig(context.Background(), tt.params, log.NewLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.params.Region, cfg.Region)

			creds, err := cfg.Credentials.Retrieve(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "AKID", creds.AccessKeyID)
			assert.Equal(t, "secret", creds.SecretAccessKey)
		})
	}
}
