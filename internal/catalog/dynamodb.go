package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"bibliobot/internal/domain"
)

type scanAPI interface {
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoSource reads the whole catalog table, one item per book.
type DynamoSource struct {
	api       scanAPI
	tableName string
}

func NewDynamoSource(api scanAPI, tableName string) (*DynamoSource, error) {
	if api == nil {
		return nil, errors.New("catalog: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("catalog: table name must not be empty")
	}
	return &DynamoSource{api: api, tableName: tableName}, nil
}

// Entries scans every page of the table. Item order follows the scan.
func (s *DynamoSource) Entries(ctx context.Context) ([]domain.CatalogEntry, error) {
	entries := make([]domain.CatalogEntry, 0)
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		for _, item := range out.Items {
			e, err := itemToEntry(item)
			if err != nil {
				return nil, fmt.Errorf("catalog: decode item: %w", err)
			}
			entries = append(entries, e)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return entries, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func itemToEntry(item map[string]types.AttributeValue) (domain.CatalogEntry, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	author, _ := strAttr(item, "author")
	category, _ := strAttr(item, "category")
	description, _ := strAttr(item, "description")
	synopsis, _ := strAttr(item, "synopsis")

	available, err := boolAttr(item, "available")
	if err != nil {
		return domain.CatalogEntry{}, err
	}

	return domain.CatalogEntry{
		ID:          id,
		Title:       title,
		Author:      author,
		Category:    category,
		Description: description,
		Synopsis:    synopsis,
		Available:   available,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("catalog: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("catalog: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// boolAttr treats a missing attribute as false.
func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("catalog: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}
