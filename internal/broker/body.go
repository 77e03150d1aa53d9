package broker

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// methods that send a request body
var bodyMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// encodeBody renders req.Data according to its content type. JSON is the
// default when no content type is given.
func encodeBody(method string, req models.Request) (string, bool, error) {
	if !bodyMethods[method] || isEmpty(req.Data) {
		return "", false, nil
	}

	contentType := strings.ToLower(req.Header("Content-Type"))
	if contentType == "" {
		contentType = "application/json"
	}

	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		// multipart bodies travel base64 encoded inside the envelope
		s, ok := req.Data.(string)
		if !ok {
			return "", false, models.NewError(models.KindValidation, "multipart data must be a base64 string, got %T", req.Data)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", false, models.NewError(models.KindValidation, "multipart data is not valid base64: %v", err)
		}
		return string(raw), true, nil

	case strings.Contains(contentType, "json"):
		if s, ok := req.Data.(string); ok {
			return s, true, nil
		}
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return "", false, models.NewError(models.KindValidation, "data is not JSON encodable: %v", err)
		}
		return string(raw), true, nil

	case strings.Contains(contentType, "x-www-form-urlencoded"):
		switch v := req.Data.(type) {
		case string:
			return v, true, nil
		case map[string]any:
			return formEncode(v), true, nil
		case map[string]string:
			form := url.Values{}
			for k, s := range v {
				form.Set(k, s)
			}
			return form.Encode(), true, nil
		default:
			return "", false, models.NewError(models.KindValidation, "form data must be an object or string, got %T", req.Data)
		}

	default:
		if s, ok := req.Data.(string); ok {
			return s, true, nil
		}
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return "", false, models.NewError(models.KindValidation, "data is not encodable: %v", err)
		}
		return string(raw), true, nil
	}
}

func isEmpty(data any) bool {
	if data == nil {
		return true
	}
	s, ok := data.(string)
	return ok && s == ""
}

func formEncode(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	form := url.Values{}
	for _, k := range keys {
		switch v := data[k].(type) {
		case []any:
			for _, item := range v {
				form.Add(k, formValue(item))
			}
		default:
			form.Add(k, formValue(v))
		}
	}
	return form.Encode()
}

func formValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
}

// normalize converts a completed response into the page-facing envelope
func normalize(resp *resty.Response) *models.Response {
	header := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		header[strings.ToLower(k)] = strings.Join(v, ", ")
	}

	return &models.Response{
		Header:     header,
		Status:     resp.StatusCode(),
		StatusText: statusText(resp),
		Body:       parseBody(resp.Body()),
	}
}

// parseBody keeps JSON bodies as-is and wraps anything else as a string
func parseBody(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) > 0 && gjson.ValidBytes(body) {
		return append(json.RawMessage(nil), body...)
	}
	raw, _ := json.Marshal(string(body))
	return raw
}

func statusText(resp *resty.Response) string {
	code := resp.StatusCode()
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status(), strconv.Itoa(code)))
	if text == "" {
		text = http.StatusText(code)
	}
	return text
}
