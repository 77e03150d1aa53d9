package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/crossrequest/internal/bridge"
	"github.com/shehryarbajwa/crossrequest/internal/client"
	"github.com/shehryarbajwa/crossrequest/internal/config"
	"github.com/shehryarbajwa/crossrequest/internal/logging"
	"github.com/shehryarbajwa/crossrequest/internal/session"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	var headers, files listFlag
	method := flag.String("X", "", "HTTP method")
	data := flag.String("d", "", "request body; parsed as JSON when possible")
	timeout := flag.Int("timeout", models.DefaultTimeoutMS, "request timeout in milliseconds")
	broker := flag.String("broker", "", "relay endpoint, overrides BRIDGE_URL")
	flag.Var(&headers, "H", "request header 'Name: value', repeatable")
	flag.Var(&files, "F", "file field 'name=path', repeatable")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: crossrequest [flags] URL...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	cfg := config.LoadOrDefault()

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = true
	logCfg.File = cfg.Logging.File
	logger, err := logging.New(logCfg)
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("invalid logging config, using defaults", zap.Error(err))
	}
	defer logger.Sync()

	url := cfg.Bridge.URL
	if *broker != "" {
		url = *broker
	}

	req := models.Request{
		Method:  *method,
		Headers: map[string]string{},
		Timeout: *timeout,
	}
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			logger.Fatal("invalid header", zap.String("header", h))
		}
		req.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if *data != "" {
		var v any
		if err := json.Unmarshal([]byte(*data), &v); err == nil {
			req.Data = v
		} else {
			req.Data = *data
		}
	}

	source, err := loadFiles(&req, files)
	if err != nil {
		logger.Fatal("failed to read files", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Millisecond+10*time.Second)
	defer cancel()

	// each URL gets its own page session, like separate tabs sharing one broker
	pages := session.NewManager(session.Options{
		BridgeURL:      url,
		ReconnectDelay: cfg.Bridge.ReconnectDelay,
		Files:          source,
		Logger:         logger,
		Notifier: bridge.NotifierFunc(func(message string) {
			fmt.Fprintln(os.Stderr, message)
		}),
	})
	defer pages.CloseAll()

	results := make([]any, flag.NArg())
	failed := false
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range flag.Args() {
		i, target := i, target
		g.Go(func() error {
			page, err := pages.Open(gctx)
			if err != nil {
				return err
			}
			defer page.Close()

			r := req
			r.URL = target
			resp, err := page.Fetch(gctx, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[i] = models.AsErrorInfo(err)
				failed = true
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal("failed to open page session", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if len(results) == 1 {
		enc.Encode(results[0])
	} else {
		enc.Encode(results)
	}
	if failed {
		os.Exit(1)
	}
}

// loadFiles reads every -F file and names each as its own input
func loadFiles(req *models.Request, fields []string) (client.FileSource, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	source := client.FileMap{}
	req.Files = map[string]string{}
	for _, f := range fields {
		field, path, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid file field %q", f)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		source[path] = append(source[path], client.File{
			Name:        filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        raw,
		})
		req.Files[field] = path
	}
	return source, nil
}
