package client

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// File is one file selected in a page file input
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// FileSource looks up the files selected in a named page file input
type FileSource interface {
	Files(input string) ([]File, bool)
}

// FileMap is a FileSource backed by a map of input name to files
type FileMap map[string][]File

func (m FileMap) Files(input string) ([]File, bool) {
	files, ok := m[input]
	return files, ok
}

// encodeMultipart replaces req.Data with a base64 multipart/form-data body
// holding the data fields and the files named in req.Files
func encodeMultipart(req *models.Request, src FileSource) error {
	if src == nil {
		return models.NewError(models.KindValidation, "no file source for file fields")
	}

	fields, err := formFields(req.Data)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, k := range sortedKeys(fields) {
		if err := w.WriteField(k, fields[k]); err != nil {
			return fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	for _, field := range sortedKeys(req.Files) {
		input := req.Files[field]
		files, ok := src.Files(input)
		if !ok {
			return models.NewError(models.KindValidation, "file input %q not found", input)
		}
		if len(files) == 0 {
			return models.NewError(models.KindValidation, "file input %q has no files", input)
		}
		for _, f := range files {
			if err := writeFile(w, field, f); err != nil {
				return err
			}
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	for k := range req.Headers {
		if strings.EqualFold(k, "Content-Type") {
			delete(req.Headers, k)
		}
	}
	req.Headers["Content-Type"] = w.FormDataContentType()
	req.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
	return nil
}

func writeFile(w *multipart.Writer, field string, f File) error {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part %s: %w", field, err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return fmt.Errorf("failed to write file %s: %w", f.Name, err)
	}
	return nil
}

// formFields flattens request data into plain form values
func formFields(data any) (map[string]string, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return nil, models.NewError(models.KindValidation, "data must be an object when sending files")
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = fieldValue(val)
		}
		return out, nil
	default:
		return nil, models.NewError(models.KindValidation, "data must be an object when sending files, got %T", data)
	}
}

func fieldValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
