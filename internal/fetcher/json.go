package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-cli/internal/model"
)

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [elem,elem,...].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// DecodeTable reads an array of arrays whose first row is the header, the
// shape the survey API returns. Cells may be strings, numbers or null; null
// becomes an empty cell. Every data row must match the header width.
func DecodeTable(ctx context.Context, r io.Reader) (*model.Table, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rows, errs := DecodeJSONArray[[]any](ctx, r)

	var t *model.Table
	line := 0
	for row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			s, err := cellString(v)
			if err != nil {
				return nil, eris.Wrapf(err, "json: row %d column %d", line, i)
			}
			cells[i] = s
		}
		if t == nil {
			t = model.NewTable(cells...)
		} else {
			if len(cells) != len(t.Columns) {
				return nil, eris.Errorf("json: row %d has %d cells, header has %d", line, len(cells), len(t.Columns))
			}
			t.Rows = append(t.Rows, cells)
		}
		line++
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if t == nil {
		return nil, eris.New("json: empty response, missing header row")
	}
	return t, nil
}

func cellString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	default:
		return "", eris.Errorf("unexpected cell type %T", v)
	}
}
