// Package htmlextract parses listing detail and sale history pages.
//
// Pages are expected to carry data attributes on the relevant elements:
//
//	<article data-listing-id="L1" data-price="120000">
//	  <h1>Title</h1>
//	  <div data-description>...</div>
//	  <dl><dt data-attr="year">Year</dt><dd>2019</dd></dl>
//	  <a data-history href="/history/L1">History</a>
//	</article>
//
//	<tr data-sale-date="2024-03-01" data-sale-price="118000">...</tr>
//
// Standard meta tags (og:title, description, product:price:amount) are used
// as fallbacks.
package htmlextract

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/utils"
)

// ExtractDetail parses a listing detail page. pageURL resolves relative links.
func ExtractDetail(pageURL string, r io.Reader) (*entity.ListingDetail, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrParse, err)
	}

	meta := make(map[string]string)
	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		key := name
		if property != "" {
			key = property
		}
		if key != "" && content != "" {
			meta[key] = strings.TrimSpace(content)
		}
	})

	root := doc.Find("[data-listing-id]").First()
	if root.Length() == 0 {
		root = doc.Selection
	}

	detail := &entity.ListingDetail{URL: pageURL}
	detail.ItemID, _ = root.Attr("data-listing-id")
	detail.ItemID = strings.TrimSpace(detail.ItemID)

	detail.Title = cleanText(root.Find("h1").First().Text())
	if detail.Title == "" {
		detail.Title = meta["og:title"]
	}
	if detail.Title == "" {
		detail.Title = cleanText(doc.Find("title").First().Text())
	}

	priceText, ok := root.Attr("data-price")
	if !ok {
		priceText, ok = root.Find("[data-price]").First().Attr("data-price")
	}
	if !ok {
		priceText = meta["product:price:amount"]
	}
	if priceText != "" {
		price, err := parsePrice(priceText)
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", repository.ErrParse, priceText)
		}
		detail.Price = price
	}

	detail.Description = cleanText(root.Find("[data-description]").First().Text())
	if detail.Description == "" {
		detail.Description = meta["description"]
	}

	root.Find("[data-attr]").Each(func(i int, s *goquery.Selection) {
		key, _ := s.Attr("data-attr")
		value := cleanText(s.Next().Text())
		if key == "" || value == "" {
			return
		}
		if detail.Attributes == nil {
			detail.Attributes = make(map[string]string)
		}
		detail.Attributes[key] = value
	})

	if href, ok := root.Find("a[data-history]").First().Attr("href"); ok && href != "" {
		detail.HistoryURL = resolve(pageURL, href)
	}

	if detail.ItemID == "" && detail.Title == "" {
		return nil, fmt.Errorf("%w: no listing on page %s", repository.ErrParse, pageURL)
	}
	return detail, nil
}

// ExtractHistory parses the sale rows of a history page. A page without rows
// yields an empty slice.
func ExtractHistory(r io.Reader) ([]entity.SaleRecord, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrParse, err)
	}

	var (
		records []entity.SaleRecord
		bad     error
	)
	doc.Find("[data-sale-price]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		priceText, _ := s.Attr("data-sale-price")
		price, err := parsePrice(priceText)
		if err != nil {
			bad = fmt.Errorf("%w: sale price %q", repository.ErrParse, priceText)
			return false
		}
		date, _ := s.Attr("data-sale-date")
		records = append(records, entity.SaleRecord{Date: strings.TrimSpace(date), Price: price})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return records, nil
}

// parsePrice accepts plain integers and decorated amounts like "1 250 000 kr"
// or "1.250,50". One or two trailing decimal digits are dropped.
func parsePrice(s string) (int64, error) {
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		if n := len(leadingDigits(s[i+1:])); n > 0 && n <= 2 {
			s = s[:i]
		}
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("no digits in %q", s)
	}
	return strconv.ParseInt(b.String(), 10, 64)
}

func leadingDigits(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		return s
	}
	return s[:end]
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolve(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return href
	}
	abs, err := utils.ToAbsoluteURL(base, href)
	if err != nil {
		return href
	}
	return abs
}
