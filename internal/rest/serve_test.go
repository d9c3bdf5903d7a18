// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/ifglight/internal/clahe"
	"github.com/mlnoga/ifglight/internal/enhance"
	"github.com/mlnoga/ifglight/internal/raster"
)

func init() { gin.SetMode(gin.TestMode) }

func testImage(w, h int) *raster.Image {
	img := raster.NewImage(w, h)
	for i := 0; i < len(img.Pix); i += 3 {
		v := uint8(90 + fastrand.Uint32n(50))
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = v, v, v/2
	}
	return img
}

type formFile struct {
	field string
	img   *raster.Image
}

func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.field+".png")
		if err != nil {
			t.Fatal(err)
		}
		if err := f.img.Encode(fw, imaging.PNG, 95); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return body, mw.FormDataContentType()
}

func do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *bytes.Buffer) {
	t.Helper()
	access := &bytes.Buffer{}
	rec := httptest.NewRecorder()
	NewRouter(access, 2).ServeHTTP(rec, req)
	return rec, access
}

func postForm(t *testing.T, path string, fields map[string]string, files ...formFile) (*httptest.ResponseRecorder, *bytes.Buffer) {
	body, contentType := multipartBody(t, fields, files...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	return do(t, req)
}

func TestPing(t *testing.T) {
	rec, access := do(t, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d; want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pong") {
		t.Errorf("body=%s; want pong", rec.Body.String())
	}
	var line map[string]interface{}
	if err := json.Unmarshal(access.Bytes(), &line); err != nil {
		t.Fatalf("access log %q is not a JSON line: %v", access.String(), err)
	}
	if line["path"] != "/api/v1/ping" || line["status"] != float64(200) {
		t.Errorf("access log %v; want path and status 200", line)
	}
	if _, ok := line["time"].(float64); !ok {
		t.Errorf("access log time %v; want unix seconds", line["time"])
	}
}

func TestNewRouterConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			NewRouter(io.Discard, 1).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status=%d; want 200", rec.Code)
			}
		}()
	}
	wg.Wait()
}

func TestReserveWaitsForBudget(t *testing.T) {
	s := newServer(1, 1000)
	release, err := s.reserve(context.Background(), 800)
	if err != nil {
		t.Fatal(err)
	}
	tcs := []int64{400, 5000}
	for _, n := range tcs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		if _, err := s.reserve(ctx, n); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("reserve(%d) with 800 of 1000 held: %v; want deadline exceeded", n, err)
		}
		cancel()
	}
	release()
	for _, n := range tcs {
		release, err := s.reserve(context.Background(), n)
		if err != nil {
			t.Fatalf("reserve(%d) on idle budget: %v", n, err)
		}
		release()
	}
}

func TestBusyServerIsUnavailable(t *testing.T) {
	s := newServer(1, 1<<20)
	release, err := s.reserve(context.Background(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	router := newRouter(io.Discard, s)
	img := testImage(16, 16)

	for _, path := range []string{"/api/v1/clahe", "/api/v1/enhance"} {
		body, contentType := multipartBody(t, nil, formFile{"image", img})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, path, body).WithContext(ctx)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s with exhausted budget: status=%d; want 503", path, rec.Code)
		}
	}

	release()
	body, contentType := multipartBody(t, nil, formFile{"image", img})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/enhance", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status=%d after release; want 200", rec.Code)
	}
}

func TestIndex(t *testing.T) {
	rec, _ := do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<form") {
		t.Errorf("status=%d; want 200 with the upload form", rec.Code)
	}
	rec, _ = do(t, httptest.NewRequest(http.MethodGet, "/js/app.js", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "X-IFG-K") {
		t.Errorf("status=%d; want 200 with the script", rec.Code)
	}
}

func TestPostCLAHE(t *testing.T) {
	img := testImage(24, 16)
	rec, _ := postForm(t, "/api/v1/clahe", map[string]string{"clip": "3", "tiles": "2x4"}, formFile{"image", img})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s; want 200", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %s; want image/png", ct)
	}
	got, err := raster.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	want, err := enhance.ApplyCLAHE(img, 3, clahe.Grid{Rows: 2, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Pix, want.Pix) {
		t.Errorf("served CLAHE output differs from direct call")
	}
}

func TestPostEnhance(t *testing.T) {
	img := testImage(20, 20)
	rec, _ := postForm(t, "/api/v1/enhance", map[string]string{"generator": "rational", "format": "bmp"}, formFile{"image", img})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s; want 200", rec.Code, rec.Body.String())
	}
	k, err := strconv.ParseFloat(rec.Header().Get(HeaderK), 64)
	if err != nil {
		t.Fatalf("header %s=%q: %v", HeaderK, rec.Header().Get(HeaderK), err)
	}
	if k < 0 || k >= 1 {
		t.Errorf("k=%g; want in [0,1)", k)
	}
	out, err := raster.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 20 || out.Height != 20 {
		t.Errorf("output %s; want 20x20", out.DimensionsToString())
	}
}

func TestBadRequests(t *testing.T) {
	img := testImage(8, 8)
	tcs := []struct {
		path   string
		fields map[string]string
		files  []formFile
	}{
		{"/api/v1/clahe", map[string]string{"clip": "-1"}, []formFile{{"image", img}}},
		{"/api/v1/clahe", map[string]string{"clip": "abc"}, []formFile{{"image", img}}},
		{"/api/v1/clahe", map[string]string{"tiles": "0x3"}, []formFile{{"image", img}}},
		{"/api/v1/clahe", nil, nil},
		{"/api/v1/enhance", map[string]string{"generator": "sigmoid"}, []formFile{{"image", img}}},
		{"/api/v1/enhance", map[string]string{"format": "xyz"}, []formFile{{"image", img}}},
		{"/api/v1/metrics", nil, []formFile{{"original", img}}},
		{"/api/v1/metrics", nil, []formFile{{"original", img}, {"enhanced", testImage(4, 4)}}},
	}
	for _, tc := range tcs {
		rec, _ := postForm(t, tc.path, tc.fields, tc.files...)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %v: status=%d; want 400", tc.path, tc.fields, rec.Code)
			continue
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["error"] == "" {
			t.Errorf("%s %v: body=%s; want error message", tc.path, tc.fields, rec.Body.String())
		}
	}
}

func TestPostMetrics(t *testing.T) {
	img := testImage(16, 12)
	rec, _ := postForm(t, "/api/v1/metrics", nil, formFile{"original", img}, formFile{"enhanced", img})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s; want 200", rec.Code, rec.Body.String())
	}
	var report enhance.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.CII != 1 {
		t.Errorf("CII of identical images=%g; want 1", report.CII)
	}
	if report.EntropyOriginal != report.EntropyEnhanced || report.EntropyOriginal <= 0 {
		t.Errorf("entropies %g, %g; want equal and positive", report.EntropyOriginal, report.EntropyEnhanced)
	}
}

func TestPostRunRejectsOutsidePaths(t *testing.T) {
	body := `{"filePatterns":["/etc/*.png"],"sequence":{"type":"seq","active":true,"steps":[{"type":"enhance"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec, _ := do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d; want 200 with streamed log", rec.Code)
	}
	out, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(out), "error:") {
		t.Errorf("log %q; want an error line", out)
	}
}

func TestPostRunBadJSON(t *testing.T) {
	for _, body := range []string{`{"filePatterns":`, `{"filePatterns":["a.png"]}`, `{"sequence":{"type":"seq"}}`,
		`{"filePatterns":["a.png"],"sequence":{"type":"seq","steps":[{"type":"unknown"}]}}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/run", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec, _ := do(t, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status=%d; want 400", body, rec.Code)
		}
	}
}
