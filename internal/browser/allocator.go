// File: internal/browser/allocator.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/certidao-cli/internal/config"
)

// DefaultAllocatorOptions translates the browser configuration into chromedp
// allocator options.
func DefaultAllocatorOptions(bcfg config.BrowserConfig, ncfg config.NetworkConfig) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+8)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	// DefaultExecAllocatorOptions starts headless; operators solving CAPTCHAs need a window.
	if !bcfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	if bcfg.WindowWidth > 0 && bcfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(bcfg.WindowWidth, bcfg.WindowHeight))
	}

	if bcfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(bcfg.ExecPath))
	}

	if ncfg.IgnoreTLSErrors {
		opts = append(opts,
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.Flag("allow-insecure-localhost", true),
		)
	}

	for _, arg := range bcfg.Args {
		opts = append(opts, flagFromArg(arg))
	}
	return opts
}

// flagFromArg turns "--name" or "--name=value" into an allocator flag.
func flagFromArg(arg string) chromedp.ExecAllocatorOption {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if name, value, ok := strings.Cut(arg, "="); ok {
		return chromedp.Flag(name, value)
	}
	return chromedp.Flag(arg, true)
}
