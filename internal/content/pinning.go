package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"assetrails/internal/faults"
)

// PinningPublisher uploads bytes to an HTTP pinning gateway. The gateway is
// asked for CIDv1 addresses and the reported address is checked against the
// locally computed one, so a misbehaving gateway cannot break content
// addressing silently.
type PinningPublisher struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewPinningPublisher(endpoint, token string) *PinningPublisher {
	return &PinningPublisher{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type pinResponse struct {
	Hash string `json:"IpfsHash"`
}

func (p *PinningPublisher) Publish(ctx context.Context, data []byte) (Address, error) {
	want, err := ComputeAddress(data)
	if err != nil {
		return "", faults.Fatal(fmt.Errorf("compute content address: %w", err))
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "blob")
	if err != nil {
		return "", faults.Fatal(fmt.Errorf("build upload form: %w", err))
	}
	if _, err := part.Write(data); err != nil {
		return "", faults.Fatal(fmt.Errorf("build upload form: %w", err))
	}
	if err := form.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", faults.Fatal(fmt.Errorf("build upload form: %w", err))
	}
	if err := form.Close(); err != nil {
		return "", faults.Fatal(fmt.Errorf("build upload form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, &body)
	if err != nil {
		return "", faults.Fatal(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", faults.Transient(fmt.Errorf("pin upload: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", faults.Transient(fmt.Errorf("pin response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", faults.Transient(fmt.Errorf("pin upload: gateway returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", faults.Fatal(fmt.Errorf("pin upload: gateway returned %d: %s", resp.StatusCode, raw))
	}

	var parsed pinResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", faults.Fatal(fmt.Errorf("pin response: %w", err))
	}
	if parsed.Hash == "" {
		return "", faults.Fatal(fmt.Errorf("pin response missing hash"))
	}
	if Address(parsed.Hash) != want {
		return "", faults.Fatal(fmt.Errorf("gateway address %s does not match computed %s", parsed.Hash, want))
	}
	return want, nil
}
