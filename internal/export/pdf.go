package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Paper is a page size in inches.
type Paper struct {
	Width  float64
	Height float64
}

var (
	PaperLetter = Paper{Width: 8.5, Height: 11}
	PaperA4     = Paper{Width: 8.27, Height: 11.69}
)

// ParsePaper accepts "letter" or "a4"; empty means letter.
func ParsePaper(name string) (Paper, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "letter":
		return PaperLetter, nil
	case "a4":
		return PaperA4, nil
	default:
		return Paper{}, fmt.Errorf("unknown paper size %q", name)
	}
}

const pageFooter = `<div style="font-size:8px;width:100%;text-align:center;color:#6b7280">` +
	`<span class="pageNumber"></span> / <span class="totalPages"></span></div>`

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

// chromePrinter prints HTML through a headless Chrome started per call.
type chromePrinter struct {
	paper   Paper
	timeout time.Duration
}

func (p chromePrinter) Print(ctx context.Context, html string) ([]byte, error) {
	if !chromeInstalled() {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdf []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(p.paper.Width).
				WithPaperHeight(p.paper.Height).
				WithMarginTop(0.75).
				WithMarginBottom(0.75).
				WithMarginLeft(0.75).
				WithMarginRight(0.75).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<div></div>").
				WithFooterTemplate(pageFooter).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdf, nil
}

func chromeInstalled() bool {
	for _, name := range chromeBinaries {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// baseFilename derives a safe download name from a contract filename,
// dropping its extension.
func baseFilename(filename string, version int) string {
	if dot := strings.LastIndexByte(filename, '.'); dot > 0 {
		filename = filename[:dot]
	}
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
		if b.Len() >= 50 {
			break
		}
	}
	name := b.String()
	if name == "" {
		name = "contract"
	}
	return fmt.Sprintf("%s-v%d", name, version)
}
