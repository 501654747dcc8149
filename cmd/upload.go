// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/LeeDigitalWorks/zapload/pkg/client"
	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/transport"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Upload files to a ZapLoad server",
	Long: `Upload one or more files. Small files are sent as a single multipart form,
larger ones through resumable sessions whose URLs are printed so an
interrupted transfer can be continued with 'zapload resume'.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runUpload,
}

var resumeCmd = &cobra.Command{
	Use:   "resume URL FILE",
	Short: "Continue an interrupted resumable upload",
	Args:  cobra.ExactArgs(2),
	Run:   runResume,
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show what a server supports",
	Args:  cobra.NoArgs,
	Run:   runCapabilities,
}

func init() {
	rootCmd.AddCommand(uploadCmd, resumeCmd, capabilitiesCmd)

	for _, c := range []*cobra.Command{uploadCmd, resumeCmd, capabilitiesCmd} {
		addClientFlags(c.Flags())
	}
	f := uploadCmd.Flags()
	f.String("protocol", string(client.ProtocolAuto), "Upload protocol: auto, tus or form")
	f.String("threshold", "5MiB", "Size from which auto mode uses resumable uploads")
	f.String("max_size", "", "Refuse single-shot uploads larger than this")
	f.StringSlice("metadata", nil, "Metadata as key=value, repeatable")
	f.StringSlice("field", nil, "Extra form field as key=value, repeatable")
	f.Int("concurrency", 2, "Files uploaded in parallel")
}

func addClientFlags(f *pflag.FlagSet) {
	f.String("server", "http://localhost:8080", "Server URL")
	f.String("files_path", "/files/", "Resumable collection path on the server")
	f.String("form_path", "/upload", "Single-shot form path on the server")
	f.String("chunk_size", "5MiB", "Resumable chunk size")
	f.String("rate_limit", "", "Upload bandwidth cap per second (e.g. '1MiB'); empty is unlimited")
	f.String("checksum", "", "Checksum sent with every chunk (sha1, sha256, md5, crc32, crc32c, crc64nvme)")
	f.StringSlice("header", nil, "Extra request header as 'Name: value', repeatable")
	f.Int("retries", transport.DefaultRetries, "Retries per request (-1 disables)")
	f.Duration("retry_delay", transport.DefaultRetryDelay, "Delay before the first retry, growing linearly")
	f.Duration("timeout", transport.DefaultTimeout, "Timeout per request attempt")
}

func loadClientOptions(cmd *cobra.Command) client.Options {
	utils.LoadConfiguration("zapload-client", false)
	viper.BindPFlags(cmd.Flags())
	f := NewFlagLoader(cmd)

	server := strings.TrimSuffix(f.String("server"), "/")
	headers := make(http.Header)
	for _, h := range f.StringSlice("header") {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			logger.Fatal().Str("header", h).Msg("header must be 'Name: value'")
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	opts := client.Options{
		Endpoint:     server + "/" + strings.Trim(f.String("files_path"), "/"),
		FormEndpoint: server + "/" + strings.Trim(f.String("form_path"), "/"),
		ChunkSize:    f.Size("chunk_size"),
		RateLimit:    f.Size("rate_limit"),
		Checksum:     f.String("checksum"),
		Headers:      headers,
		Transport: transport.Config{
			Retries:    f.Int("retries"),
			RetryDelay: f.Duration("retry_delay"),
			Timeout:    f.Duration("timeout"),
		},
		OnError: func(e *types.UploadError) {
			logger.Debug().Str("upload_id", e.ID).Int("status", e.StatusCode).Msg(e.Message)
		},
	}
	if cmd.Flags().Lookup("protocol") != nil {
		opts.Protocol = client.Protocol(f.String("protocol"))
		opts.Threshold = f.Size("threshold")
		opts.MaxSize = f.Size("max_size")
		opts.Fields = keyValues(f.StringSlice("field"))
	}
	return opts
}

func keyValues(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			logger.Fatal().Str("value", p).Msg("expected key=value")
		}
		out[k] = v
	}
	return out
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runUpload(cmd *cobra.Command, args []string) {
	opts := loadClientOptions(cmd)
	f := NewFlagLoader(cmd)
	if len(args) == 1 {
		opts.OnProgress = printProgress(args[0])
	}

	o, err := client.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid client configuration")
	}

	files := make([]types.File, 0, len(args))
	for _, path := range args {
		file, err := client.OpenFile(path)
		if err != nil {
			logger.Fatal().Err(err).Str("file", path).Msg("cannot open file")
		}
		defer file.Close()
		files = append(files, file)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	results, err := o.UploadAll(ctx, files, keyValues(f.StringSlice("metadata")), f.Int("concurrency"))
	if len(args) == 1 {
		fmt.Fprintln(os.Stderr)
	}

	failed := 0
	for _, r := range results {
		printResult(r)
		if r.Err != nil {
			failed++
		}
	}
	if err != nil || failed > 0 {
		os.Exit(1)
	}
}

func runResume(cmd *cobra.Command, args []string) {
	opts := loadClientOptions(cmd)
	opts.Protocol = client.ProtocolTus
	opts.OnProgress = printProgress(args[1])

	o, err := client.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid client configuration")
	}
	file, err := client.OpenFile(args[1])
	if err != nil {
		logger.Fatal().Err(err).Str("file", args[1]).Msg("cannot open file")
	}
	defer file.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	started := time.Now()
	u, err := o.ResumeUpload(ctx, args[0], file)
	if err == nil {
		logger.Info().
			Str("url", u.URL()).
			Str("offset", humanize.IBytes(uint64(u.Progress().Loaded))).
			Msg("Resuming upload")
		err = u.Start(ctx)
	}
	fmt.Fprintln(os.Stderr)
	printResult(client.Result{File: file, Protocol: client.ProtocolTus, Upload: u, Err: err, Elapsed: time.Since(started)})
	if err != nil {
		os.Exit(1)
	}
}

func runCapabilities(cmd *cobra.Command, args []string) {
	opts := loadClientOptions(cmd)
	opts.Protocol = client.ProtocolTus
	o, err := client.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid client configuration")
	}

	caps, err := o.Capabilities(cmd.Context())
	if err != nil {
		logger.Fatal().Err(err).Str("endpoint", opts.Endpoint).Msg("capability probe failed")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(caps)
}

func printProgress(name string) func(types.Progress) {
	return func(p types.Progress) {
		line := fmt.Sprintf("\r%s %5.1f%% %s / %s", name, p.Percentage,
			humanize.IBytes(uint64(p.Loaded)), humanize.IBytes(uint64(p.Total)))
		if p.Speed > 0 {
			line += fmt.Sprintf("  %s/s  eta %s", humanize.IBytes(uint64(p.Speed)),
				(time.Duration(p.ETA) * time.Second).Round(time.Second))
		}
		fmt.Fprint(os.Stderr, line)
	}
}

func printResult(r client.Result) {
	name := r.File.Name()
	switch {
	case r.Err != nil:
		fmt.Printf("FAIL  %s  %v\n", name, r.Err)
		if r.Upload != nil && r.Upload.URL() != "" && r.Protocol == client.ProtocolTus {
			fmt.Printf("      resume with: zapload resume %s %s\n", r.Upload.URL(), name)
		}
	case r.Upload.State() == types.UploadPaused:
		fmt.Printf("PAUSE %s  %s\n", name, r.Upload.URL())
	default:
		res := r.Upload.Result()
		fmt.Printf("OK    %s  %s  %s  %s via %s\n", name, humanize.IBytes(uint64(res.Size)), res.URL,
			r.Elapsed.Round(time.Millisecond), r.Protocol)
	}
}
