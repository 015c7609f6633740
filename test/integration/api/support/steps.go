package support

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"strconv"
	"strings"

	"github.com/cucumber/godog"
)

// RegisterSteps wires all API steps into the scenario context.
func RegisterSteps(sc *godog.ScenarioContext, tc *TestContext) {
	// Service setup
	sc.Step(`^the model returns scores "([^"]*)"$`, tc.theModelReturnsScores)
	sc.Step(`^the class table:$`, tc.theClassTable)
	sc.Step(`^the upload limit is (\d+) MB$`, tc.theUploadLimitIs)
	sc.Step(`^the default top is (\d+)$`, tc.theDefaultTopIs)
	sc.Step(`^softmax is enabled$`, tc.softmaxIsEnabled)
	sc.Step(`^the model fails with "([^"]*)"$`, tc.theModelFailsWith)

	// Requests
	sc.Step(`^I send a GET request to "([^"]*)"$`, tc.iSendAGETRequestTo)
	sc.Step(`^I send a POST request to "([^"]*)" with content type "([^"]*)"$`, tc.iSendAPOSTWithContentType)
	sc.Step(`^I upload a (red|gray) (png|jpeg|gif) image to "([^"]*)"$`, tc.iUploadAnImageTo)
	sc.Step(`^I upload a red png image as field "([^"]*)" to "([^"]*)"$`, tc.iUploadAsField)
	sc.Step(`^I upload the text "([^"]*)" to "([^"]*)"$`, tc.iUploadTheText)
	sc.Step(`^I upload (\d+) MB of data to "([^"]*)"$`, tc.iUploadMegabytes)
	sc.Step(`^I send a preflight request to "([^"]*)"$`, tc.iSendAPreflightRequest)

	// Assertions
	sc.Step(`^the response status should be (\d+)$`, tc.theResponseStatusShouldBe)
	sc.Step(`^the error kind should be "([^"]*)"$`, tc.theErrorKindShouldBe)
	sc.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, tc.theResponseFieldShouldBe)
	sc.Step(`^the classes should be "([^"]*)"$`, tc.theClassesShouldBe)
	sc.Step(`^the response should have (\d+) predictions?$`, tc.theResponseShouldHavePredictions)
	sc.Step(`^the prediction shape should be "([^"]*)"$`, tc.thePredictionShapeShouldBe)
	sc.Step(`^the response header "([^"]*)" should be "([^"]*)"$`, tc.theResponseHeaderShouldBe)
	sc.Step(`^the response should carry a request id$`, tc.theResponseShouldCarryARequestID)
	sc.Step(`^the model should have been called (\d+) times?$`, tc.theModelShouldHaveBeenCalled)
}

func (tc *TestContext) theModelReturnsScores(list string) error {
	scores, err := parseFloats(list)
	if err != nil {
		return err
	}
	tc.Scores = scores
	return nil
}

func (tc *TestContext) theClassTable(table *godog.Table) error {
	for i, row := range table.Rows {
		if len(row.Cells) != 2 {
			return fmt.Errorf("row %d: want 2 cells, got %d", i, len(row.Cells))
		}
		idx, err := strconv.Atoi(row.Cells[0].Value)
		if err != nil {
			if i == 0 {
				continue // header
			}
			return fmt.Errorf("row %d: %w", i, err)
		}
		tc.Labels[idx] = row.Cells[1].Value
	}
	return nil
}

func (tc *TestContext) theUploadLimitIs(mb int) error {
	tc.MaxUploadMB = int64(mb)
	return nil
}

func (tc *TestContext) theDefaultTopIs(n int) error {
	tc.ClassifyOpt.TopN = n
	return nil
}

func (tc *TestContext) softmaxIsEnabled() error {
	tc.ClassifyOpt.Softmax = true
	return nil
}

func (tc *TestContext) theModelFailsWith(msg string) error {
	tc.EngineErr = errors.New(msg)
	return nil
}

func (tc *TestContext) iSendAGETRequestTo(path string) error {
	if err := tc.StartServer(); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, tc.HTTPServer.URL+path, nil)
	if err != nil {
		return err
	}
	return tc.Do(req)
}

func (tc *TestContext) iSendAPOSTWithContentType(path, contentType string) error {
	if err := tc.StartServer(); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, tc.HTTPServer.URL+path, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return tc.Do(req)
}

func (tc *TestContext) iUploadAnImageTo(colour, format, path string) error {
	var img image.Image
	if colour == "gray" {
		g := image.NewGray(image.Rect(0, 0, 32, 32))
		for i := range g.Pix {
			g.Pix[i] = 128
		}
		img = g
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, 32, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				rgba.Set(x, y, color.RGBA{R: 255, A: 255})
			}
		}
		img = rgba
	}

	data, err := EncodeImage(img, format)
	if err != nil {
		return err
	}
	return tc.Upload(path, "image", data)
}

func (tc *TestContext) iUploadAsField(field, path string) error {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	data, err := EncodeImage(img, "png")
	if err != nil {
		return err
	}
	return tc.Upload(path, field, data)
}

func (tc *TestContext) iUploadTheText(text, path string) error {
	return tc.Upload(path, "image", []byte(text))
}

func (tc *TestContext) iUploadMegabytes(mb int, path string) error {
	if err := tc.StartServer(); err != nil {
		return err
	}
	data := bytes.Repeat([]byte{0x42}, mb<<20)
	req, err := http.NewRequest(http.MethodPost, tc.HTTPServer.URL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return tc.Do(req)
}

func (tc *TestContext) iSendAPreflightRequest(path string) error {
	if err := tc.StartServer(); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodOptions, tc.HTTPServer.URL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Origin", "http://localhost:8080")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	return tc.Do(req)
}

func (tc *TestContext) theResponseStatusShouldBe(status int) error {
	if tc.LastStatus != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, tc.LastStatus, tc.LastBody)
	}
	return nil
}

func (tc *TestContext) theErrorKindShouldBe(kind string) error {
	return tc.theResponseFieldShouldBe("kind", kind)
}

func (tc *TestContext) theResponseFieldShouldBe(field, want string) error {
	if tc.LastJSON == nil {
		return fmt.Errorf("response is not a JSON object: %s", tc.LastBody)
	}
	got, ok := tc.LastJSON[field]
	if !ok {
		return fmt.Errorf("response has no field %q: %s", field, tc.LastBody)
	}
	if fmt.Sprint(got) != want {
		return fmt.Errorf("field %q: expected %q, got %q", field, want, fmt.Sprint(got))
	}
	return nil
}

func (tc *TestContext) theClassesShouldBe(list string) error {
	raw, ok := tc.LastJSON["classes"].([]interface{})
	if !ok {
		return fmt.Errorf("response has no classes array: %s", tc.LastBody)
	}
	got := make([]string, len(raw))
	for i, v := range raw {
		got[i] = fmt.Sprint(v)
	}

	var want []string
	if list != "" {
		want = splitList(list)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("expected classes %v, got %v", want, got)
	}
	return nil
}

func (tc *TestContext) theResponseShouldHavePredictions(n int) error {
	raw, ok := tc.LastJSON["predictions"].([]interface{})
	if !ok {
		return fmt.Errorf("response has no predictions array: %s", tc.LastBody)
	}
	if len(raw) != n {
		return fmt.Errorf("expected %d predictions, got %d", n, len(raw))
	}
	return nil
}

func (tc *TestContext) thePredictionShapeShouldBe(list string) error {
	raw, ok := tc.LastJSON["shape"].([]interface{})
	if !ok {
		return fmt.Errorf("response has no shape: %s", tc.LastBody)
	}
	got := make([]string, len(raw))
	for i, v := range raw {
		got[i] = fmt.Sprint(v)
	}
	want := splitList(list)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("expected shape %v, got %v", want, got)
	}
	return nil
}

func (tc *TestContext) theResponseHeaderShouldBe(name, want string) error {
	if got := tc.LastHeaders.Get(name); got != want {
		return fmt.Errorf("header %s: expected %q, got %q", name, want, got)
	}
	return nil
}

func (tc *TestContext) theResponseShouldCarryARequestID() error {
	header := tc.LastHeaders.Get("X-Request-ID")
	if header == "" {
		return errors.New("missing X-Request-ID header")
	}
	if id, ok := tc.LastJSON["request_id"]; ok && fmt.Sprint(id) != header {
		return fmt.Errorf("body request_id %q does not match header %q", id, header)
	}
	return nil
}

func (tc *TestContext) theModelShouldHaveBeenCalled(n int) error {
	if tc.Engine == nil {
		return errors.New("service was never started")
	}
	if got := tc.Engine.Calls(); got != n {
		return fmt.Errorf("expected %d model runs, got %d", n, got)
	}
	return nil
}

func parseFloats(list string) ([]float32, error) {
	parts := splitList(list)
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid score %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func splitList(list string) []string {
	parts := strings.Split(list, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
