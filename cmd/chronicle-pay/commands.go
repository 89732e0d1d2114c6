package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/ledger"
	"github.com/chronicle-labs/chronicle/internal/payclient"
	"github.com/chronicle-labs/chronicle/internal/pricing"
	"github.com/chronicle-labs/chronicle/internal/storage"
	"github.com/chronicle-labs/chronicle/internal/wallet"
)

const usdcDecimals = 6

// ── upload ────────────────────────────────────────────────────────────────────

func runUpload(c *cli.Context) error {
	path := c.String("file")
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	docType := c.String("type")
	if docType == "" {
		docType = typeFromExt(path)
	}
	name := c.String("name")
	if name == "" {
		name = filepath.Base(path)
	}

	data := documentData(raw, docType)
	body, err := json.Marshal(map[string]any{"data": data, "type": docType, "name": name})
	if err != nil {
		return err
	}

	// The server prices the data string as sent.
	if err := printQuote(c, int64(len(data))); err != nil {
		return err
	}
	if c.Bool("estimate") {
		return nil
	}

	pc, err := payer(c)
	if err != nil {
		return err
	}
	return pay(c, pc, base(c)+"/api/upload", body)
}

func typeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return storage.TypeMarkdown
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return storage.TypeImage
	}
	return storage.TypeJSON
}

// documentData is the data string as sent; the server prices its length.
func documentData(raw []byte, docType string) string {
	if docType == storage.TypeImage {
		return dataURL(raw)
	}
	return string(raw)
}

func dataURL(raw []byte) string {
	return "data:" + http.DetectContentType(raw) + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// ── ai ────────────────────────────────────────────────────────────────────────

func runAI(c *cli.Context) error {
	kind := c.String("kind")
	req := map[string]any{"prompt": c.String("prompt")}
	switch kind {
	case "text", "image":
	case "image-edit", "video":
		if c.String("image") == "" {
			return cli.Exit(kind+" needs -image", 2)
		}
		raw, err := os.ReadFile(c.String("image"))
		if err != nil {
			return err
		}
		req["image_b64"] = base64.StdEncoding.EncodeToString(raw)
	default:
		return cli.Exit("unknown -kind "+kind, 2)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	pc, err := payer(c)
	if err != nil {
		return err
	}
	return pay(c, pc, base(c)+"/api/ai/"+kind, body)
}

// ── price ─────────────────────────────────────────────────────────────────────

func runPrice(c *cli.Context) error {
	size := c.Int64("size")
	if path := c.String("file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docType := c.String("type")
		if docType == "" {
			docType = typeFromExt(path)
		}
		size = int64(len(documentData(raw, docType)))
	}
	return printQuote(c, size)
}

// printQuote shows the server's quote, falling back to the local formula
// when the server cannot be reached.
func printQuote(c *cli.Context, size int64) error {
	var q pricing.Quote
	err := getJSON(c, "/api/price?size="+strconv.FormatInt(size, 10), "", &struct {
		Quote *pricing.Quote `json:"quote"`
	}{&q})
	if err != nil {
		fmt.Fprintf(c.App.ErrWriter, "server quote unavailable (%v), using local prices\n", err)
		q = pricing.Default().Quote(size)
	}
	fmt.Fprintf(c.App.Writer, "Price: %s for %d bytes (base %s, markup %.0f%%)\n",
		pricing.FormatUSD(q.ComputedPriceUSD), q.SizeBytes, pricing.FormatUSD(q.BasePriceUSD), q.MarkupPercent)
	return nil
}

// ── uploads ───────────────────────────────────────────────────────────────────

func runUploads(c *cli.Context) error {
	signer, authz, err := identity(c)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.Int("limit")))
	q.Set("offset", strconv.Itoa(c.Int("offset")))

	var page struct {
		Uploads []ledger.Entry `json:"uploads"`
		Total   int64          `json:"total"`
	}
	if err := getJSON(c, "/api/uploads?"+q.Encode(), authz, &page); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s: %d uploads\n", signer.Address(), page.Total)
	table := tablewriter.NewWriter(c.App.Writer)
	table.SetHeader([]string{"ID", "Type", "Size", "Cost", "Created", "URL"})
	table.SetBorder(false)
	table.SetAutoFormatHeaders(false)
	for _, u := range page.Uploads {
		kind := u.Type
		if u.Encrypted {
			kind += " (enc)"
		}
		table.Append([]string{
			u.ID,
			kind,
			strconv.FormatInt(u.SizeBytes, 10),
			pricing.FormatUSD(u.CostUSD),
			u.CreatedAt.Local().Format(time.DateTime),
			u.URL,
		})
	}
	table.Render()
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func base(c *cli.Context) string {
	return strings.TrimRight(c.String("url"), "/")
}

func identity(c *cli.Context) (*wallet.KeySigner, string, error) {
	if c.String("key") == "" {
		return nil, "", cli.Exit("no key: set CHRONICLE_PRIVATE_KEY or pass -key", 2)
	}
	signer, err := wallet.FromHex(c.String("key"))
	if err != nil {
		return nil, "", err
	}
	sig, err := auth.SignIdentity(signer.SignHash, auth.DefaultMessage)
	if err != nil {
		return nil, "", err
	}
	return signer, "Bearer " + signer.Address() + ":" + sig, nil
}

func payer(c *cli.Context) (*payclient.Client, error) {
	signer, authz, err := identity(c)
	if err != nil {
		return nil, err
	}
	pc := &payclient.Client{
		HTTP:          &http.Client{Timeout: 3 * time.Minute},
		Signer:        signer,
		Authorization: authz,
	}
	if usd := c.Float64("max"); usd > 0 {
		amount, err := pricing.AtomicAmount(usd, usdcDecimals)
		if err != nil {
			return nil, err
		}
		pc.MaxAmount, _ = new(big.Int).SetString(amount, 10)
	}
	if c.Bool("verbose") {
		pc.OnState = func(s payclient.State) { fmt.Fprintln(c.App.ErrWriter, "·", s) }
	}
	return pc, nil
}

// pay runs one paid call and prints its outcome.
func pay(c *cli.Context, pc *payclient.Client, target string, body []byte) error {
	res, err := pc.Do(c.Context, payclient.Request{
		Method: http.MethodPost,
		URL:    target,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	out := c.App.Writer
	if res != nil {
		fmt.Fprintf(out, "State: %s after %d attempt(s)\n", res.State, res.Attempts)
		if res.Amount != "" {
			fmt.Fprintf(out, "Authorized: %s atomic units\n", res.Amount)
		}
		if s := res.Settlement; s != nil && s.Transaction != "" {
			fmt.Fprintf(out, "Settled: %s on %s\n", s.Transaction, s.Network)
		}
	}
	if err != nil {
		var pe *payclient.Error
		if errors.As(err, &pe) {
			return cli.Exit(pe.Message()+" ("+pe.Error()+")", 1)
		}
		return err
	}
	fmt.Fprintln(out, strings.TrimSpace(string(res.Body)))
	return nil
}

func getJSON(c *cli.Context, path, authz string, out any) error {
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, base(c)+path, nil)
	if err != nil {
		return err
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
