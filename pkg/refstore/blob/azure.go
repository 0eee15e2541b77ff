// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBucket adapts an Azure Blob Storage client to the Bucket
// interface. "bucket" in Bucket's signature maps to an Azure container
// name.
type AzureBucket struct {
	client *azblob.Client
}

// NewAzureBucket builds an AzureBucket authenticating against
// accountURL (e.g. "https://<account>.blob.core.windows.net") with the
// ambient Azure identity (managed identity, workload identity, or CLI
// login).
func NewAzureBucket(accountURL string) (*AzureBucket, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("refstore/blob: azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("refstore/blob: azure client: %w", err)
	}
	return &AzureBucket{client: client}, nil
}

func (b *AzureBucket) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	pager := b.client.NewListBlobsFlatPager(bucket, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (b *AzureBucket) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, bucket, key, nil)
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

func (b *AzureBucket) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.ServiceClient().NewContainerClient(bucket).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
