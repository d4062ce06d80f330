package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/bijoufs/bijou/internal/logger"
	"github.com/bijoufs/bijou/pkg/fs"
	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/kvdb"
)

// BlobStoreBuilder returns the engine-facing builder for the configured
// blob backend.
//
// Every composition honors the construction rule: a stack whose
// outermost store cannot track metadata is never returned. The kv and
// s3 backends come wrapped in Clustered plus Tracking; local provides
// metadata natively.
func BlobStoreBuilder(ctx context.Context, cfg *BlobConfig) (fs.BlobStoreBuilder, error) {
	switch cfg.Type {
	case "local":
		return buildLocal(cfg)
	case "kv":
		return buildKV(cfg)
	case "s3":
		return buildS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("config: unknown blob store type %q", cfg.Type)
	}
}

func buildLocal(cfg *BlobConfig) (fs.BlobStoreBuilder, error) {
	type localOptions struct {
		Root string `mapstructure:"root"`
	}
	var opts localOptions
	if err := mapstructure.Decode(cfg.Local, &opts); err != nil {
		return nil, fmt.Errorf("config: decoding local blob options: %w", err)
	}

	return func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error) {
		root := opts.Root
		if root == "" {
			root = filepath.Join(dataDir, "blobs")
		}
		store, err := blob.NewLocalDir(root, recordSize)
		if err != nil {
			return nil, err
		}
		logger.Info("local blob store initialized: root=%s", root)
		return store, nil
	}, nil
}

func buildKV(cfg *BlobConfig) (fs.BlobStoreBuilder, error) {
	clusterSize := cfg.ClusterSize

	return func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error) {
		clustered, err := blob.NewClustered(blob.NewKVBlob(db), db, clusterSize, recordSize)
		if err != nil {
			return nil, err
		}
		logger.Info("kv blob store initialized: cluster_size=%d", clusterSize)
		return blob.NewTracking(clustered, db), nil
	}, nil
}

func buildS3(ctx context.Context, cfg *BlobConfig) (fs.BlobStoreBuilder, error) {
	type s3Options struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
	}
	var opts s3Options
	if err := mapstructure.Decode(cfg.S3, &opts); err != nil {
		return nil, fmt.Errorf("config: decoding s3 blob options: %w", err)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("config: s3 blob store: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("config: s3 blob store: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(opts.Region))

	// Custom endpoints serve MinIO and Localstack setups.
	if opts.Endpoint != "" {
		//nolint:staticcheck // BaseEndpoint migration pending AWS SDK v2 stabilization
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(provider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("config: loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	clusterSize := cfg.ClusterSize

	return func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error) {
		objects, err := blob.NewObjectStore(ctx, client, opts.Bucket, opts.KeyPrefix)
		if err != nil {
			return nil, err
		}
		clustered, err := blob.NewClustered(objects, db, clusterSize, recordSize)
		if err != nil {
			return nil, err
		}
		logger.Info("s3 blob store initialized: bucket=%s region=%s cluster_size=%d",
			opts.Bucket, opts.Region, clusterSize)
		return blob.NewTracking(clustered, db), nil
	}, nil
}
