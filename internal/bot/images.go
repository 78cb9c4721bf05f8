package bot

import (
	"regexp"
	"strings"
)

// imageURLPattern matches URLs that end in a known image extension
// (optionally followed by a query string).
var imageURLPattern = regexp.MustCompile(`(?i)https?://[^\s<>"')]+\.(?:png|jpe?g|gif|webp|bmp)(?:\?[^\s<>"')]*)?`)

// urlPattern matches any URL, for the keyword fallback pass.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')]+`)

// imageURLKeywords classify extensionless URLs in the fallback pass.
// Some backends (notably DALL-E style blob hosts) return bare URLs
// without file extensions.
var imageURLKeywords = []string{
	"image", "img", "photo", "picture", "dalle", "oaidalle", "blob",
}

// ExtractImages pulls image URLs out of a reply. First pass matches by
// file extension; only when that finds nothing does a second pass scan
// all URLs and keep the ones whose text looks image-related. The
// fallback trades precision for recall and may misclassify links.
// Returns the reply with the URLs removed, and the URLs in order.
func ExtractImages(text string) (string, []string) {
	urls := imageURLPattern.FindAllString(text, -1)

	if len(urls) == 0 {
		for _, u := range urlPattern.FindAllString(text, -1) {
			lower := strings.ToLower(u)
			for _, kw := range imageURLKeywords {
				if strings.Contains(lower, kw) {
					urls = append(urls, u)
					break
				}
			}
		}
	}

	if len(urls) == 0 {
		return text, nil
	}

	remainder := text
	for _, u := range urls {
		remainder = strings.Replace(remainder, u, "", 1)
	}
	remainder = strings.Join(strings.Fields(remainder), " ")
	return remainder, urls
}

// imageRequestKeywords trigger the asynchronous image-generation path.
// Matched case-insensitively anywhere in the message.
var imageRequestKeywords = []string{
	"generate", "draw", "paint", "sketch",
	"image of", "picture of",
	"画", "绘", "生成图", "描い", "그려",
}

// isImageRequest reports whether a user message should be routed to
// image generation instead of chat completion.
func isImageRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range imageRequestKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// imageModelMarkers identify models that need the longer generation
// timeout.
var imageModelMarkers = []string{"dall-e", "dalle", "image", "flux", "diffusion"}

// isImageModel reports whether a model name looks like an image model.
func isImageModel(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range imageModelMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
