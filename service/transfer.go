package service

import (
	"context"
	"fmt"

	datatransfer "cloud.google.com/go/bigquery/datatransfer/apiv1"
	"cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// TransferService wraps the BigQuery Data Transfer client for listing
// and recreating scheduled queries.
type TransferService struct {
	client *datatransfer.Client
}

func NewTransferService(ctx context.Context, opts ...option.ClientOption) (*TransferService, error) {
	client, err := datatransfer.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &TransferService{client: client}, nil
}

func (s *TransferService) Close() error { return s.client.Close() }

// ListTransferConfigs returns every transfer config in one region of the
// project, scheduled queries and other data sources alike.
func (s *TransferService) ListTransferConfigs(ctx context.Context, projectID, region string) ([]*datatransferpb.TransferConfig, error) {
	req := &datatransferpb.ListTransferConfigsRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s", projectID, region),
	}
	it := s.client.ListTransferConfigs(ctx, req)
	var configs []*datatransferpb.TransferConfig
	for {
		tc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		configs = append(configs, tc)
	}
	return configs, nil
}

// CreateTransferConfig creates a transfer config in the given region and
// returns its resource name.
func (s *TransferService) CreateTransferConfig(ctx context.Context, projectID, region string, tc *datatransferpb.TransferConfig) (string, error) {
	req := &datatransferpb.CreateTransferConfigRequest{
		Parent:         fmt.Sprintf("projects/%s/locations/%s", projectID, region),
		TransferConfig: tc,
	}
	created, err := s.client.CreateTransferConfig(ctx, req)
	if err != nil {
		return "", err
	}
	return created.GetName(), nil
}
