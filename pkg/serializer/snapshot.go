package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

const capturedAtHeaderName = "Ocache-Captured-At"

// Snapshot is a captured response: status, headers and the full body.
// The body is always read to completion before a snapshot exists, so a
// snapshot is never partial.
type Snapshot struct {
	Status int
	Header http.Header
	Body   []byte
	// The value of the clock at the time the response was captured.
	CapturedAt time.Time
}

// FromResponse drains the response body and captures a snapshot.
// The response body is closed.
func FromResponse(res *http.Response) (Snapshot, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, err
	}
	header := res.Header.Clone()
	header.Del("Content-Length")
	return Snapshot{
		Status:     res.StatusCode,
		Header:     header,
		Body:       body,
		CapturedAt: time.Now(),
	}, nil
}

// Encode converts a snapshot to its stored byte representation.
// It uses the HTTP/1.1 wire format, with the capture time smuggled in as an
// extra header.
func Encode(s Snapshot) ([]byte, error) {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(capturedAtHeaderName, strconv.FormatInt(s.CapturedAt.Unix(), 10))
	res := &http.Response{
		StatusCode:    s.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode converts stored bytes back to a snapshot.
func Decode(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Status: res.StatusCode,
		Header: res.Header,
		Body:   body,
	}
	if unix, err := strconv.ParseInt(res.Header.Get(capturedAtHeaderName), 10, 64); err == nil {
		s.CapturedAt = time.Unix(unix, 0)
	}
	s.Header.Del(capturedAtHeaderName)
	s.Header.Del("Content-Length")
	return s, nil
}

// WriteTo writes the snapshot to the given http.ResponseWriter.
func (s Snapshot) WriteTo(w http.ResponseWriter) error {
	copyHeader(w.Header(), s.Header)
	w.WriteHeader(s.Status)
	_, err := w.Write(s.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
