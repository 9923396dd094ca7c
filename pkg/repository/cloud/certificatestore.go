package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// serialIndexName and expirationIndexName name the two GSIs the table is
// provisioned with: one resolving a certificate serial to its owning
// device for the mTLS hot path, one ranging by expires_at per device for
// renewal sweeps.
const (
	serialIndexName     = "SerialIndex"
	expirationIndexName = "ExpirationIndex"
)

// CertificateStore is the DynamoDB-backed CertificateStore. The table's
// partition key is device_id, sort key is serial_number, matching a
// device's full certificate history rather than a single current record.
type CertificateStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewCertificateStore(client *dynamodb.Client, tableName string) *CertificateStore {
	return &CertificateStore{client: client, tableName: tableName}
}

// EnsureTable creates the table and its GSIs if they do not already
// exist. Called only when auto-create is enabled; a fixed infrastructure
// deployment should provision the table out of band instead.
func (s *CertificateStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("device_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("serial_number"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("expires_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("device_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("serial_number"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(serialIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("serial_number"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(expirationIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("device_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("expires_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cloud: create table %s: %w", s.tableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, 2*time.Minute); err != nil {
		return fmt.Errorf("cloud: wait for table %s: %w", s.tableName, err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func itemFromCertificate(c *repository.Certificate) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"device_id":       &types.AttributeValueMemberS{Value: c.DeviceID},
		"serial_number":   &types.AttributeValueMemberS{Value: c.Serial},
		"platform":        &types.AttributeValueMemberS{Value: c.Platform},
		"issued_at":       &types.AttributeValueMemberS{Value: c.IssuedAt.UTC().Format(timeLayout)},
		"expires_at":      &types.AttributeValueMemberS{Value: c.ExpiresAt.UTC().Format(timeLayout)},
		"certificate_pem": &types.AttributeValueMemberS{Value: c.CertificatePEM},
		"revoked":         &types.AttributeValueMemberBOOL{Value: c.Revoked},
	}
	if c.RevokedAt != nil {
		item["revoked_at"] = &types.AttributeValueMemberS{Value: c.RevokedAt.UTC().Format(timeLayout)}
	}
	if c.RevocationReason != "" {
		item["revocation_reason"] = &types.AttributeValueMemberS{Value: c.RevocationReason}
	}
	return item
}

func certificateFromItem(item map[string]types.AttributeValue) (*repository.Certificate, error) {
	str := func(k string) string {
		if v, ok := item[k].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	parseTime := func(k string) (time.Time, error) {
		s := str(k)
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(timeLayout, s)
	}

	issuedAt, err := parseTime("issued_at")
	if err != nil {
		return nil, fmt.Errorf("cloud: parse issued_at: %w", err)
	}
	expiresAt, err := parseTime("expires_at")
	if err != nil {
		return nil, fmt.Errorf("cloud: parse expires_at: %w", err)
	}

	cert := &repository.Certificate{
		DeviceID:         str("device_id"),
		Serial:           str("serial_number"),
		Platform:         str("platform"),
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
		CertificatePEM:   str("certificate_pem"),
		RevocationReason: str("revocation_reason"),
	}
	if v, ok := item["revoked"].(*types.AttributeValueMemberBOOL); ok {
		cert.Revoked = v.Value
	}
	if str("revoked_at") != "" {
		t, err := parseTime("revoked_at")
		if err != nil {
			return nil, fmt.Errorf("cloud: parse revoked_at: %w", err)
		}
		cert.RevokedAt = &t
	}
	return cert, nil
}

func (s *CertificateStore) Save(ctx context.Context, cert *repository.Certificate) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      itemFromCertificate(cert),
	})
	if err != nil {
		return fmt.Errorf("cloud: put certificate: %w", err)
	}
	return nil
}

// GetLatest queries every record for the device and picks the one with
// the newest issued_at client-side: the sort key is serial_number, a
// random hex string, so it cannot be used as a recency proxy.
func (s *CertificateStore) GetLatest(ctx context.Context, deviceID string) (*repository.Certificate, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("device_id = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: deviceID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: query latest certificate: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var latest *repository.Certificate
	for _, item := range out.Items {
		c, err := certificateFromItem(item)
		if err != nil {
			return nil, err
		}
		if latest == nil || c.IssuedAt.After(latest.IssuedAt) {
			latest = c
		}
	}
	return latest, nil
}

func (s *CertificateStore) GetBySerial(ctx context.Context, serial string) (*repository.Certificate, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(serialIndexName),
		KeyConditionExpression: aws.String("serial_number = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: serial},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: query certificate by serial: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return certificateFromItem(out.Items[0])
}

func (s *CertificateStore) IsWhitelisted(ctx context.Context, serial string) (bool, error) {
	cert, err := s.GetBySerial(ctx, serial)
	if err != nil || cert == nil {
		return false, err
	}
	now := time.Now()
	if cert.Revoked || now.Before(cert.IssuedAt) || now.After(cert.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

func (s *CertificateStore) Revoke(ctx context.Context, deviceID string, reason string) (bool, error) {
	cert, err := s.GetLatest(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if cert == nil {
		return false, nil
	}
	return s.RevokeBySerial(ctx, deviceID, cert.Serial, reason)
}

// RevokeBySerial revokes exactly the (device_id, serial) item, fetched
// directly by its primary key rather than resolved via GetLatest, so a
// renewal can retire the superseded certificate even after a new one for
// the same device has already been written.
func (s *CertificateStore) RevokeBySerial(ctx context.Context, deviceID, serial, reason string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"device_id":     &types.AttributeValueMemberS{Value: deviceID},
			"serial_number": &types.AttributeValueMemberS{Value: serial},
		},
	})
	if err != nil {
		return false, fmt.Errorf("cloud: get certificate by key: %w", err)
	}
	if len(out.Item) == 0 {
		return false, nil
	}
	cert, err := certificateFromItem(out.Item)
	if err != nil {
		return false, err
	}
	now := time.Now()
	cert.Revoked = true
	cert.RevokedAt = &now
	cert.RevocationReason = reason
	return true, s.Save(ctx, cert)
}

// ListExpiring and ListAll scan the full table. The original Python
// implementation this descends from does the same and flags it as
// inefficient for large deployments; a maintained expiration queue would
// remove the scan, but that is out of scope here.
func (s *CertificateStore) ListExpiring(ctx context.Context, days int) ([]*repository.Certificate, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(time.Duration(days) * 24 * time.Hour)
	out := make([]*repository.Certificate, 0)
	for _, c := range all {
		if !c.Revoked && c.ExpiresAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *CertificateStore) ListAll(ctx context.Context) ([]*repository.Certificate, error) {
	out := make([]*repository.Certificate, 0)
	var lastKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("cloud: scan certificates: %w", err)
		}
		for _, item := range resp.Items {
			c, err := certificateFromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = resp.LastEvaluatedKey
	}
	return out, nil
}

var _ repository.CertificateStore = (*CertificateStore)(nil)
