package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"pitch-pipeline/internal/config"
)

// Row is one completed submission pushed to the spreadsheet sink.
type Row struct {
	RecordID    string    `json:"recordId"`
	Name        string    `json:"name"`
	WhatsApp    string    `json:"whatsapp"`
	Company     string    `json:"company"`
	Category    string    `json:"category"`
	USP         string    `json:"usp"`
	SpecificAsk string    `json:"specificAsk"`
	Output      string    `json:"generatedOutput"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Exporter pushes completed submissions to a spreadsheet webhook and
// optionally archives a CSV copy to S3. The whole path is best-effort:
// failures bubble to the queue for retry but never reach the user.
type Exporter struct {
	webhookURL string
	httpClient *http.Client
	s3Client   *s3.Client
	bucket     string
	prefix     string
	logger     *zap.SugaredLogger
}

// New constructs the exporter, wiring S3 only when a bucket is configured.
func New(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*Exporter, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Exporter{
		webhookURL: cfg.ExportWebhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		bucket:     cfg.ExportS3Bucket,
		prefix:     cfg.ExportS3Prefix,
		logger:     logger,
	}
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e.s3Client = client
	}
	return e, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportS3Region),
	}
	if cfg.ExportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportS3Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.ExportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportS3Endpoint != ""
	}), nil
}

// Export delivers one row to every configured sink. The first sink error is
// returned so the queue can retry the export job.
func (e *Exporter) Export(ctx context.Context, row Row) error {
	if e.webhookURL == "" && e.s3Client == nil {
		e.logger.Debugw("no export sink configured, dropping row", "record_id", row.RecordID)
		return nil
	}
	if e.webhookURL != "" {
		if err := e.postWebhook(ctx, row); err != nil {
			return err
		}
	}
	if e.s3Client != nil {
		if err := e.putCSV(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) postWebhook(ctx context.Context, row Row) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal export row: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post export webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("export webhook status %d", resp.StatusCode)
	}
	return nil
}

func (e *Exporter) putCSV(ctx context.Context, row Row) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	record := []string{
		row.RecordID, row.Name, row.WhatsApp, row.Company,
		row.Category, row.USP, row.SpecificAsk, row.Output,
		row.GeneratedAt.UTC().Format(time.RFC3339),
	}
	if err := w.Write(record); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}

	key := fmt.Sprintf("%s%s.csv", e.prefix, row.RecordID)
	_, err := e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("archive csv to s3: %w", err)
	}
	return nil
}
