package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bifrost-registry/bifrost/pkg/archive"
	"github.com/bifrost-registry/bifrost/pkg/manifest"
	"github.com/bifrost-registry/bifrost/pkg/registry"
)

var infoCmd = &cobra.Command{
	Use:   "info NAME",
	Short: "Show a package's latest version and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var versionCmd = &cobra.Command{
	Use:   "version NAME VERSION",
	Short: "Show one version of a package",
	Args:  cobra.ExactArgs(2),
	RunE:  runVersion,
}

var downloadCmd = &cobra.Command{
	Use:   "download NAME",
	Short: "Download a package archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var publishCmd = &cobra.Command{
	Use:   "publish ARCHIVE",
	Short: "Publish a package archive (.tar.gz)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

var (
	downloadVersion string
	downloadFile    string
)

func init() {
	downloadCmd.Flags().StringVar(&downloadVersion, "version", "", "Version to download (default: latest)")
	downloadCmd.Flags().StringVarP(&downloadFile, "file", "f", "", "Destination file (default: NAME-VERSION.tar.gz)")
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c := newClient()
	defer c.Close()

	info, err := c.PackageInfo(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get package %s: %w", args[0], err)
	}
	if outputFmt != "table" {
		return printOutput(cmd.OutOrStdout(), info)
	}
	if len(info.Versions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Package %s has no versions.\n", info.Name)
		return nil
	}

	latest := ""
	if info.Latest != nil {
		latest = info.Latest.Version
	}
	rows := make([][]string, 0, len(info.Versions))
	for _, v := range info.Versions {
		marker := ""
		if v.Version == latest {
			marker = "*"
		}
		rows = append(rows, []string{v.Version, marker, v.Published.Format(time.RFC3339), truncate(v.ArchiveSHA256, 15)})
	}
	printTable(cmd.OutOrStdout(), []string{"Version", "Latest", "Published", "SHA256"}, rows)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c := newClient()
	defer c.Close()

	v, err := c.Version(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("get version %s %s: %w", args[0], args[1], err)
	}
	if outputFmt != "table" {
		return printOutput(cmd.OutOrStdout(), v)
	}
	printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
		{"Version", v.Version},
		{"Published", v.Published.Format(time.RFC3339)},
		{"SHA256", v.ArchiveSHA256},
		{"Archive", v.ArchiveURL},
	})
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c := newClient()
	defer c.Close()

	name, version := args[0], downloadVersion
	if version == "" {
		// Pin the version first so the file name matches its content.
		info, err := c.PackageInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("get package %s: %w", name, err)
		}
		if info.Latest == nil {
			return fmt.Errorf("package %s has no versions", name)
		}
		version = info.Latest.Version
	}

	dest := downloadFile
	if dest == "" {
		dest = fmt.Sprintf("%s-%s.tar.gz", name, version)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".bifrostctl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := c.Download(ctx, name, version, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s %s: %w", name, version, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s %s to %s (%d bytes)\n", name, version, dest, n)
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	// Validate locally so obvious mistakes never reach the server.
	content, found, err := archive.ExtractFile(bytes.NewReader(data), manifest.IsManifestFile)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if !found {
		return fmt.Errorf("%s: no %s in archive", args[0], manifest.FileNames[0])
	}
	m, err := manifest.Parse(content)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	c := newClient()
	defer c.Close()

	if err := c.Publish(ctx, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("publish %s %s: %w", m.Name, m.Version, err)
	}

	res := registry.PublishResult{Name: m.Name, Version: m.Version}
	if outputFmt != "table" {
		return printOutput(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %s %s\n", m.Name, m.Version)
	return nil
}
