package rawhttp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httputil"
	"slices"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// ErrMalformedHeader is returned when a header line has no name/value separator
var ErrMalformedHeader = errors.New("malformed header line")

// ErrMissingRequestLine is returned when a header block has no request line
var ErrMissingRequestLine = errors.New("missing request line")

// HeaderLines returns the header section of req as individual lines.
// The request line is always at index 0, followed by the Host line (when req.Host is set)
// and the remaining headers sorted by name. The body is not read.
func HeaderLines(req *http.Request) []string {
	proto := req.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	requestURI := req.RequestURI
	if requestURI == "" && req.URL != nil {
		requestURI = req.URL.RequestURI()
	}

	lines := []string{fmt.Sprintf("%s %s %s", req.Method, requestURI, proto)}
	if req.Host != "" {
		lines = append(lines, "Host: "+req.Host)
	}

	keys := make([]string, 0, len(req.Header))
	for key := range req.Header {
		if http.CanonicalHeaderKey(key) == "Host" {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		for _, value := range req.Header[key] {
			lines = append(lines, key+": "+value)
		}
	}
	return lines
}

// ApplyHeaderLines replaces the headers of req with lines, as produced by HeaderLines.
// The request line at index 0 is required but left untouched, the first Host line sets req.Host
// and every other line is added to a fresh http.Header in order. The body is preserved as is.
func ApplyHeaderLines(req *http.Request, lines []string) error {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return ErrMissingRequestLine
	}

	header := make(http.Header)
	host := ""
	hostSet := false
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("%w : %q", ErrMalformedHeader, line)
		}
		value = strings.TrimSpace(value)

		if http.CanonicalHeaderKey(name) == "Host" {
			if !hostSet {
				host = value
				hostSet = true
			}
			continue
		}
		header.Add(name, value)
	}

	req.Header = header
	req.Host = host
	return nil
}

// ResponseHeaderLines returns the status line of res followed by its headers sorted by name.
func ResponseHeaderLines(res *http.Response) []string {
	proto := res.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	status := res.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}

	lines := []string{proto + " " + status}
	keys := slices.Sorted(maps.Keys(res.Header))
	for _, key := range keys {
		for _, value := range res.Header[key] {
			lines = append(lines, key+": "+value)
		}
	}
	return lines
}

// DecodeBody decompresses a gzip or br encoded body. Other encodings are returned unchanged.
func DecodeBody(contentEncoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gzipReader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader : %w", err)
		}
		defer gzipReader.Close()

		decoded, err := io.ReadAll(gzipReader)
		if err != nil {
			return nil, fmt.Errorf("reading gzip content : %w", err)
		}
		return decoded, nil
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("reading brotli content : %w", err)
		}
		return decoded, nil
	default:
		return body, nil
	}
}

// Prettify will atempt to prettify the body or return an empty byte slice if it fails
// JSON, XML, HTML can be prettified if it cannot prettify the body it will return an empty string
func Prettify(bodyBytes []byte) ([]byte, error) {
	if len(bodyBytes) == 0 {
		return []byte{}, nil
	}

	trimmedBody := bytes.TrimSpace(bodyBytes)

	var jsonData any
	if err := json.Unmarshal(trimmedBody, &jsonData); err == nil {
		output, err := json.MarshalIndent(jsonData, "", "  ")
		if err != nil {
			return []byte{}, fmt.Errorf("remarshalling JSON: %w", err)
		}
		return output, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(trimmedBody); err == nil && doc.Root() != nil {
		doc.Indent(1)
		var output bytes.Buffer
		if _, err := doc.WriteTo(&output); err != nil {
			return []byte{}, fmt.Errorf("writing indented XML : %w", err)
		}
		return output.Bytes(), nil
	}

	// HTML by detected mimetype or a leading tag
	contentType := mimetype.Detect(trimmedBody).String()
	if strings.Contains(contentType, "text/html") ||
		(bytes.HasPrefix(trimmedBody, []byte("<")) && !bytes.HasPrefix(trimmedBody, []byte("<?xml"))) {
		output := gohtml.FormatBytes(trimmedBody)
		if !bytes.Equal(output, trimmedBody) && len(output) > 0 {
			return output, nil
		}
	}

	return []byte{}, nil
}

// DumpResponse dumps the response headers and its decoded, prettified body for logging.
// The body is restored so it can still be forwarded to the client.
func DumpResponse(res *http.Response) (string, error) {
	headerDump, err := httputil.DumpResponse(res, false)
	if err != nil {
		return "", fmt.Errorf("dumping response : %w", err)
	}
	if res.Body == nil {
		return string(headerDump), nil
	}

	bodyBytes, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return "", fmt.Errorf("reading response body : %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	decoded, err := DecodeBody(res.Header.Get("Content-Encoding"), bodyBytes)
	if err != nil {
		return string(headerDump), nil
	}

	prettified, err := Prettify(decoded)
	if err != nil || len(prettified) == 0 {
		return string(headerDump) + string(decoded), nil
	}
	return string(headerDump) + string(prettified), nil
}
