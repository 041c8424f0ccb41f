// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package report

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/util"
)

// Bundle file names.
const (
	FileReport       = "report.md"
	FileReportJSON   = "report.json"
	FileDecisions    = "decisions.jsonl"
	FileVerification = "verification.json"
	FileProfiles     = "profiles.json"
	FileManifest     = "SHA256SUMS"
)

// BundleFile is one member of an evidence bundle.
type BundleFile struct {
	Name   string
	Data   []byte
	SHA256 string
}

// Evidence is the full content of a bundle before archiving.
type Evidence struct {
	Report *ComplianceReport
	Files  []BundleFile
}

// CollectEvidence generates the report and every supporting file.
func CollectEvidence(ctx context.Context, src Sources, opts Options) (*Evidence, error) {
	rep, err := Generate(ctx, src, opts)
	if err != nil {
		return nil, err
	}

	reportJSON, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	verification, err := json.MarshalIndent(rep.Chains, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode verification: %w", err)
	}
	profiles, err := json.MarshalIndent(src.Catalog.AllProfileVersions(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode profiles: %w", err)
	}

	var decisions bytes.Buffer
	if src.Store != nil {
		found, err := src.Store.SearchDecisions(ctx, audit.Query{
			TenantID: opts.TenantID,
			DomainID: opts.DomainID,
			Since:    opts.Since,
			Until:    opts.Until,
		})
		if err != nil {
			return nil, fmt.Errorf("search decisions: %w", err)
		}
		enc := json.NewEncoder(&decisions)
		for _, d := range found {
			if err := enc.Encode(d); err != nil {
				return nil, fmt.Errorf("encode decision %s: %w", d.ID, err)
			}
		}
	}

	ev := &Evidence{Report: rep}
	ev.add(FileReport, []byte(rep.Markdown()))
	ev.add(FileReportJSON, reportJSON)
	ev.add(FileDecisions, decisions.Bytes())
	ev.add(FileVerification, verification)
	ev.add(FileProfiles, profiles)
	return ev, nil
}

func (e *Evidence) add(name string, data []byte) {
	sum := sha256.Sum256(data)
	e.Files = append(e.Files, BundleFile{Name: name, Data: data, SHA256: hex.EncodeToString(sum[:])})
}

// Manifest renders sha256sum-compatible lines for every file.
func (e *Evidence) Manifest() []byte {
	files := append([]BundleFile(nil), e.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "%s  %s\n", f.SHA256, f.Name)
	}
	return []byte(sb.String())
}

// WriteTo writes the bundle as a gzip-compressed tar archive. The manifest
// is the last member.
func (e *Evidence) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	gz := gzip.NewWriter(cw)
	tw := tar.NewWriter(gz)

	mtime := e.Report.GeneratedAt
	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: mtime,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%s header: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	for _, f := range e.Files {
		if err := write(f.Name, f.Data); err != nil {
			return cw.n, err
		}
	}
	if err := write(FileManifest, e.Manifest()); err != nil {
		return cw.n, err
	}
	if err := tw.Close(); err != nil {
		return cw.n, err
	}
	if err := gz.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// SaveBundle writes the bundle to path atomically.
func (e *Evidence) SaveBundle(path string) error {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return err
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o644)
}

// VerifyBundle reads an archive and checks every member against the
// manifest. It returns the member names that were verified.
func VerifyBundle(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer gz.Close()

	sums := make(map[string]string)
	var manifest []byte
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		if hdr.Name == FileManifest {
			manifest = data
			continue
		}
		sum := sha256.Sum256(data)
		sums[hdr.Name] = hex.EncodeToString(sum[:])
	}
	if manifest == nil {
		return nil, fmt.Errorf("bundle has no %s", FileManifest)
	}

	var verified []string
	for _, line := range strings.Split(strings.TrimSpace(string(manifest)), "\n") {
		want, name, ok := strings.Cut(line, "  ")
		if !ok {
			return nil, fmt.Errorf("malformed manifest line %q", line)
		}
		got, present := sums[name]
		if !present {
			return nil, fmt.Errorf("%s listed in manifest but missing", name)
		}
		if got != want {
			return nil, fmt.Errorf("%s: checksum mismatch", name)
		}
		delete(sums, name)
		verified = append(verified, name)
	}
	for name := range sums {
		return nil, fmt.Errorf("%s not listed in manifest", name)
	}
	return verified, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
