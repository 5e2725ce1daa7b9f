package simulator

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrNoChrome is returned by PDFRenderer.Render when no Chromium binary
// was found.
var ErrNoChrome = errors.New("no chromium binary found")

// PDFRenderer prints the HTML report through a headless Chromium.
type PDFRenderer struct {
	ChromePath string
	Timeout    time.Duration
}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{ChromePath: detectChromePath(), Timeout: 30 * time.Second}
}

func (r *PDFRenderer) Render(ctx context.Context, st Stats) ([]byte, error) {
	if r.ChromePath == "" {
		return nil, ErrNoChrome
	}
	htmlDoc, err := RenderHTMLReport(st)
	if err != nil {
		return nil, err
	}
	htmlDoc = applyPrintLayout(htmlDoc)

	timeoutCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.ExecPath(r.ChromePath),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
				st.Name + ` - page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithLandscape(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithMarginTop(0.4).
				WithMarginBottom(0.6).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return pdf, nil
}

var entityHeading = regexp.MustCompile(`<h2>(Transports|Customers|Stations|Stops)</h2>`)

// applyPrintLayout starts every per-entity table on a new page.
func applyPrintLayout(doc string) string {
	return entityHeading.ReplaceAllString(doc, `<h2 style="break-before:page;page-break-before:always;">$1</h2>`)
}

func detectChromePath() string {
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, p := range []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
