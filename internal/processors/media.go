package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/worker"
)

// JobTypeResize is the job type handled by MediaProcessor.
const JobTypeResize = "media.resize"

// Uploader stores a rendered asset and returns where it ended up.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaProcessor prepares images attached to scheduled posts: it downloads the
// original, resizes it (optionally to grayscale) and uploads the rendition.
type MediaProcessor struct {
	cfg        config.Config
	httpClient *http.Client
	local      Uploader
	s3         Uploader
	log        *slog.Logger
}

// ResizePayload is the payload of a media.resize job.
type ResizePayload struct {
	MediaID     string `json:"media_id"`
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// ResizeResult is stored as the job's result.
type ResizeResult struct {
	MediaID  string `json:"media_id,omitempty"`
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
}

// NewMediaProcessor builds the processor. An S3 uploader is configured when
// MEDIA_S3_BUCKET is set; local output is always available.
func NewMediaProcessor(ctx context.Context, cfg config.Config, log *slog.Logger) (*MediaProcessor, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	if log == nil {
		log = slog.Default()
	}

	var s3Upload Uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	return &MediaProcessor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		log:        log.With("component", "media"),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MediaS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MediaS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MediaS3Endpoint)
		}
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Register binds the processor's job types on mux.
func (p *MediaProcessor) Register(mux *worker.TypeMux) error {
	return worker.Handle(mux, JobTypeResize, p.Resize)
}

// Resize handles one media.resize job.
func (p *MediaProcessor) Resize(ctx context.Context, job *worker.Job, payload ResizePayload) models.JobResult {
	if err := p.normalize(&payload); err != nil {
		return worker.Fail(worker.Unrecoverable(err))
	}

	// A download may take as long as MediaDownloadTimeout, which can match the lease.
	p.extendLease(ctx, job)
	data, contentType, err := p.download(ctx, payload.SourceURL)
	if err != nil {
		return worker.Fail(err)
	}
	p.progress(ctx, job, 30)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return worker.Fail(worker.Unrecoverable(fmt.Errorf("decode image: %w", err)))
	}
	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)
	p.progress(ctx, job, 60)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return worker.Fail(fmt.Errorf("encode image: %w", err))
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	key = sanitizeKey(key)

	uploader, err := p.pickUploader(payload.Destination)
	if err != nil {
		return worker.Fail(worker.Unrecoverable(err))
	}
	p.extendLease(ctx, job)
	location, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return worker.Fail(fmt.Errorf("upload: %w", err))
	}
	p.progress(ctx, job, 100)

	bounds := img.Bounds()
	return models.Succeeded(ResizeResult{
		MediaID:  payload.MediaID,
		Location: location,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Bytes:    buf.Len(),
	})
}

func (p *MediaProcessor) normalize(payload *ResizePayload) error {
	if payload.SourceURL == "" {
		return errors.New("source_url is required")
	}
	if payload.Width < 0 || payload.Height < 0 {
		return fmt.Errorf("invalid size %dx%d", payload.Width, payload.Height)
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = p.cfg.MediaDefaultWidth
		payload.Height = p.cfg.MediaDefaultHeight
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = 1080
	}
	if payload.Destination == "" {
		if p.s3 != nil {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return nil
}

func (p *MediaProcessor) progress(ctx context.Context, job *worker.Job, pct int) {
	if err := job.UpdateProgress(ctx, pct); err != nil {
		p.log.Debug("report progress", "job_id", job.ID, "error", err)
	}
}

func (p *MediaProcessor) extendLease(ctx context.Context, job *worker.Job) {
	if err := job.ExtendLease(ctx); err != nil {
		p.log.Warn("extend lease", "job_id", job.ID, "error", err)
	}
}

func (p *MediaProcessor) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", worker.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("download image: status %d", resp.StatusCode)
		// Client errors other than throttling will not go away on retry.
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, "", worker.Unrecoverable(err)
		}
		return nil, "", err
	}

	limit := p.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", worker.Unrecoverable(fmt.Errorf("image too large (>%d bytes)", limit))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (p *MediaProcessor) pickUploader(destination string) (Uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if p.s3 != nil {
			return p.s3, nil
		}
		return nil, errors.New("destination s3 requested but MEDIA_S3_BUCKET is not configured")
	case "local":
		return p.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.JPEG:
		return "image/jpeg"
	}
	return fallback
}

// sanitizeKey keeps output keys relative so they cannot escape the output directory.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
