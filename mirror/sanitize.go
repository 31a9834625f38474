package mirror

import (
	"fmt"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

var (
	sanitizeOnce sync.Once
	htmlPolicy   *bluemonday.Policy
	mdConverter  *converter.Converter
)

func initSanitizer() {
	htmlPolicy = bluemonday.UGCPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
}

// SanitizeOpinionHTML converts an upstream opinion body to readable plain
// text: strips scripts, styles and event handlers, then renders the
// remaining markup as markdown. Providers deliver opinion HTML of very
// mixed quality, so the policy errs on the side of dropping markup.
func SanitizeOpinionHTML(html string) (string, error) {
	sanitizeOnce.Do(initSanitizer)

	clean := htmlPolicy.Sanitize(html)
	text, err := mdConverter.ConvertString(clean)
	if err != nil {
		return "", fmt.Errorf("mirror: convert opinion body: %w", err)
	}
	return strings.TrimSpace(text), nil
}
