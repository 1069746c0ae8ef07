package middleware

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
	AlgorithmBrotli  = "br"

	DefaultCompressionLevel = 6
	DefaultThreshold        = 1024
	MinCompressionRatio     = 0.05
)

type Compression struct {
	config            types.ConfigManager
	logger            types.Logger
	compressionConfig *CompressionConfig
	name              string
	weight            int
	writerPool        sync.Pool
	bufferPool        sync.Pool
	compress          func(buf *bytes.Buffer, data []byte) error
}

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func NewCompression(config types.ConfigManager, logger types.Logger) *Compression {
	compressionConfig := &CompressionConfig{
		Algorithm: AlgorithmBrotli,
		Level:     DefaultCompressionLevel,
		Threshold: DefaultThreshold,
		AllowedTypes: []string{
			"application/json",
			"application/xml",
			"application/javascript",
			"text/*",
		},
	}

	if params := config.GetConfig().Middlewares.Compression.Params; params != nil {
		if err := utils.UnmarshalConfig(params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
		}
	}

	c := &Compression{
		name:              "compression",
		weight:            config.GetConfig().Middlewares.Compression.Weight,
		config:            config,
		logger:            logger,
		compressionConfig: compressionConfig,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 4096))
			},
		},
	}

	switch compressionConfig.Algorithm {
	case AlgorithmGzip:
		c.writerPool = sync.Pool{New: func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, compressionConfig.Level)
			return w
		}}
		c.compress = c.compressGzip
	case AlgorithmDeflate:
		c.writerPool = sync.Pool{New: func() interface{} {
			w, _ := flate.NewWriter(nil, compressionConfig.Level)
			return w
		}}
		c.compress = c.compressDeflate
	default:
		c.writerPool = sync.Pool{New: func() interface{} {
			return brotli.NewWriterLevel(nil, compressionConfig.Level)
		}}
		c.compress = c.compressBrotli
	}

	return c
}

func (c *Compression) Name() string { return c.name }
func (c *Compression) Weight() int  { return c.weight }

func (c *Compression) Handle(ctx *types.ConnectionContext, next func(*types.ConnectionContext) error) error {
	acceptEncoding := ctx.Conn.HeaderValue("Accept-Encoding")
	if !strings.Contains(acceptEncoding, c.compressionConfig.Algorithm) {
		return next(ctx)
	}

	err := next(ctx)
	if err != nil || ctx.Response == nil {
		return err
	}

	resp := ctx.Response
	if len(resp.Body) < c.compressionConfig.Threshold {
		return nil
	}
	if _, exists := resp.Header["Content-Encoding"]; exists {
		return nil
	}
	if !c.shouldCompress(resp.MediaType) {
		return nil
	}

	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	if compressErr := c.compress(buf, resp.Body); compressErr != nil {
		c.logger.Warn("compression failed", zap.Error(compressErr))
		return nil
	}

	ratio := float64(buf.Len()) / float64(len(resp.Body))
	if 1.0-ratio < MinCompressionRatio {
		return nil
	}

	resp.Body = append([]byte(nil), buf.Bytes()...)
	resp.SetHeader("Content-Encoding", c.compressionConfig.Algorithm)
	resp.SetHeader("Content-Length", strconv.Itoa(len(resp.Body)))
	if vary, exists := resp.Header["Vary"]; exists {
		if !strings.Contains(vary, "Accept-Encoding") {
			resp.SetHeader("Vary", vary+", Accept-Encoding")
		}
	} else {
		resp.SetHeader("Vary", "Accept-Encoding")
	}

	return nil
}

func (c *Compression) shouldCompress(mediaType string) bool {
	if mediaType == "" {
		return false
	}
	if semicolon := strings.Index(mediaType, ";"); semicolon != -1 {
		mediaType = mediaType[:semicolon]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == mediaType {
			return true
		}
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(mediaType, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func (c *Compression) compressBrotli(buf *bytes.Buffer, data []byte) error {
	w := c.writerPool.Get().(*brotli.Writer)
	defer c.writerPool.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

func (c *Compression) compressGzip(buf *bytes.Buffer, data []byte) error {
	w := c.writerPool.Get().(*gzip.Writer)
	defer c.writerPool.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

func (c *Compression) compressDeflate(buf *bytes.Buffer, data []byte) error {
	w := c.writerPool.Get().(*flate.Writer)
	defer c.writerPool.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}
