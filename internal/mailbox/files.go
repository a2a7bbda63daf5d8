package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	appLog "email2deadline/internal/log"
	"email2deadline/internal/model"
)

// maxLineBytes bounds a single mbox line.
const maxLineBytes = 1024 * 1024

// FileSource reads .eml files, mbox files and directories of either.
// Directory entries are visited in lexical order, non-recursively. The
// path "-" reads a single message or mbox stream from standard input.
type FileSource struct {
	Paths []string
}

func (f FileSource) Name() string { return "files" }

func (f FileSource) Messages(ctx context.Context) ([]model.Message, error) {
	var out []model.Message
	for _, p := range f.Paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msgs, err := readPath(p)
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func readPath(path string) ([]model.Message, error) {
	if path == "-" {
		return readStream("stdin", os.Stdin)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return readFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isMailFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []model.Message
	for _, name := range names {
		msgs, err := readFile(filepath.Join(path, name))
		if err != nil {
			appLog.Error("mail file skipped", err, "path", filepath.Join(path, name))
			continue
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func isMailFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml", ".mbox", ".mbx":
		return true
	}
	return false
}

func readFile(path string) ([]model.Message, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return readStream(path, fh)
}

// readStream parses r as an mbox when it starts with a "From " separator and
// as a single message otherwise. name prefixes fallback keys.
func readStream(name string, r io.Reader) ([]model.Message, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(5)
	if string(head) != "From " {
		raw, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		msg, err := ReadMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if msg.Key == "" {
			msg.Key = name
		}
		return []model.Message{msg}, nil
	}

	var out []model.Message
	idx := 0
	err := SplitMbox(br, func(raw []byte) error {
		msg, err := ReadMessage(raw)
		if err != nil {
			appLog.Warn("mbox message skipped", "path", name, "index", idx, "reason", err.Error())
			idx++
			return nil
		}
		if msg.Key == "" {
			msg.Key = name + "#" + strconv.Itoa(idx)
		}
		idx++
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SplitMbox calls fn with each raw message of an mboxrd stream. The
// "From " separator line is dropped and one level of ">From " quoting is
// removed from body lines.
func SplitMbox(r io.Reader, fn func(raw []byte) error) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineBytes)

	var (
		buf     bytes.Buffer
		started bool
	)
	flush := func() error {
		if !started {
			return nil
		}
		raw := bytes.Clone(buf.Bytes())
		buf.Reset()
		return fn(raw)
	}

	for s.Scan() {
		l := s.Text()
		switch {
		case strings.HasPrefix(l, "From "):
			if err := flush(); err != nil {
				return err
			}
			started = true
			continue
		case strings.HasPrefix(strings.TrimLeft(l, ">"), "From ") && strings.HasPrefix(l, ">"):
			l = l[1:]
		}
		if started {
			buf.WriteString(strings.TrimSuffix(l, "\r"))
			buf.WriteString("\r\n")
		}
	}
	if err := s.Err(); err != nil {
		return err
	}
	return flush()
}
