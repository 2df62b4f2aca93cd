package cmd

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/rq/internal/domain"
)

type submitFlags struct {
	headers        []string
	form           []string
	fields         []string
	files          []string
	stdinPart      string
	auth           bool
	idempotencyKey string
	include        bool
}

func newSubmitCmd(app *app) *cobra.Command {
	var flags submitFlags

	cmd := &cobra.Command{
		Use:   "submit <method> <target>",
		Short: "Journal a request and deliver it",
		Long: "submit writes the request to the journal before sending it. A request that fails with a " +
			"retryable error stays in the journal and is sent again by `rq resume`.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(cmd, args[0], args[1], flags)
			if err != nil {
				return err
			}

			s, err := app.openSession(cmd, sessionOptions{journal: true})
			if err != nil {
				_ = req.Release()
				return err
			}
			defer func() { _ = s.Close() }()

			resp, err := s.coordinator.Submit(cmd.Context(), req)
			if err != nil {
				if domain.IsRetryable(err) {
					return fmt.Errorf("%w (request kept in the journal, run `rq resume` to retry)", err)
				}
				return err
			}
			return writeResponse(cmd.OutOrStdout(), resp, flags.include)
		},
	}

	cmd.Flags().StringArrayVarP(&flags.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVar(&flags.form, "form", nil, "URL-encoded body field as name=value (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.fields, "field", "F", nil, "Multipart form field as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&flags.files, "file", nil, "Multipart file part as name=path (repeatable)")
	cmd.Flags().StringVar(&flags.stdinPart, "stdin", "", "Multipart part name that receives standard input")
	cmd.Flags().BoolVar(&flags.auth, "auth", false, "Send the request with the signed-in credential")
	cmd.Flags().StringVar(&flags.idempotencyKey, "idempotency-key", "", "Idempotency key (generated when empty)")
	cmd.Flags().BoolVarP(&flags.include, "include", "i", false, "Print the response status and headers")
	cmd.MarkFlagsMutuallyExclusive("form", "field")
	cmd.MarkFlagsMutuallyExclusive("form", "file")
	cmd.MarkFlagsMutuallyExclusive("form", "stdin")

	return cmd
}

func buildRequest(cmd *cobra.Command, rawMethod, target string, flags submitFlags) (domain.PendingRequest, error) {
	method, err := domain.ParseMethod(rawMethod)
	if err != nil {
		return domain.PendingRequest{}, err
	}

	req := domain.PendingRequest{
		Method:         method,
		Target:         target,
		RequiresAuth:   flags.auth,
		IdempotencyKey: flags.idempotencyKey,
		Body:           domain.NoBody{},
	}
	for _, raw := range flags.headers {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return domain.PendingRequest{}, fmt.Errorf("invalid header %q: expected 'Name: value'", raw)
		}
		req.Header = req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	switch {
	case len(flags.form) > 0:
		fields, err := parsePairs("form", flags.form)
		if err != nil {
			return domain.PendingRequest{}, err
		}
		req.Body = domain.FormEncoded{Fields: fields}
	case len(flags.fields) > 0 || len(flags.files) > 0 || flags.stdinPart != "":
		body, err := multipartBody(cmd.InOrStdin(), flags)
		if err != nil {
			return domain.PendingRequest{}, err
		}
		req.Body = body
	}

	return req, nil
}

func multipartBody(stdin io.Reader, flags submitFlags) (domain.MultipartEncoded, error) {
	fields, err := parsePairs("field", flags.fields)
	if err != nil {
		return domain.MultipartEncoded{}, err
	}
	files, err := parsePairs("file", flags.files)
	if err != nil {
		return domain.MultipartEncoded{}, err
	}

	var body domain.MultipartEncoded
	for _, field := range fields {
		body.Parts = append(body.Parts, field)
	}
	for _, file := range files {
		var header domain.Header
		if contentType := mime.TypeByExtension(filepath.Ext(file.Value)); contentType != "" {
			header = header.Add("Content-Type", contentType)
		}
		body.Parts = append(body.Parts, &domain.FileBacked{Name: file.Name, Path: file.Value, Header: header})
	}
	if flags.stdinPart != "" {
		body.Parts = append(body.Parts, &domain.StreamBacked{Name: flags.stdinPart, Source: io.NopCloser(stdin)})
	}
	return body, nil
}

func parsePairs(flag string, raw []string) ([]domain.FormField, error) {
	fields := make([]domain.FormField, 0, len(raw))
	for _, pair := range raw {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected name=value", flag, pair)
		}
		fields = append(fields, domain.FormField{Name: name, Value: value})
	}
	return fields, nil
}

func writeResponse(w io.Writer, resp domain.Response, include bool) error {
	if include {
		replayed := ""
		if resp.Replayed {
			replayed = " (replayed)"
		}
		if err := writeLine(w, "HTTP %d%s", resp.Status, replayed); err != nil {
			return err
		}
		for _, field := range resp.Header {
			if err := writeLine(w, "%s: %s", field.Name, field.Value); err != nil {
				return err
			}
		}
		if err := writeLine(w, ""); err != nil {
			return err
		}
	}
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := w.Write(resp.Body)
	if err == nil && resp.Body[len(resp.Body)-1] != '\n' {
		_, err = io.WriteString(w, "\n")
	}
	return err
}
