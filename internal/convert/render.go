// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package convert

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"

	"github.com/coldsync/relay/internal/models"
)

// headerOrder fixes the rendering order of the well-known headers.
// Remaining headers follow sorted alphabetically.
var headerOrder = []string{
	"From", "To", "Subject", "Date", "Message-ID", "In-Reply-To", "References",
}

// Render serialises an artifact into RFC 822 wire format, using
// multipart/alternative when both a plain-text and an HTML body are
// present. The mailbox store receives these bytes verbatim.
func Render(a *models.Artifact) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	}

	written := make(map[string]bool, len(a.Headers))
	for _, name := range headerOrder {
		if v, ok := a.Headers[name]; ok && v != "" {
			writeHeader(name, v)
			written[name] = true
		}
	}

	var rest []string
	for name := range a.Headers {
		if !written[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		if v := a.Headers[name]; v != "" {
			writeHeader(name, v)
		}
	}

	writeHeader("MIME-Version", "1.0")

	switch {
	case a.TextBody != "" && a.HTMLBody != "":
		mw := multipart.NewWriter(&buf)
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
		buf.WriteString("\r\n")

		if err := writePart(mw, "text/plain", a.TextBody); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/html", a.HTMLBody); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("close multipart body: %w", err)
		}

	case a.HTMLBody != "":
		writeHeader("Content-Type", `text/html; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(crlf(a.HTMLBody))

	default:
		writeHeader("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(crlf(a.TextBody))
	}

	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{
		"Content-Type": {contentType + `; charset="utf-8"`},
	}
	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := pw.Write([]byte(crlf(body))); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return nil
}

// crlf normalises line endings to CRLF as required on the wire.
func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
