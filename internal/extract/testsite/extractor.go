// Package testsite implements extractors for the fixture retail site
// used in integration tests and local development. The site serves
// category pages at /categories/{code}, listing pages at
// /categories/{code}/products, and product pages at /products/{id}.
package testsite

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// Extractors returns the full per-stage extractor set for a site
// rooted at baseURL.
func Extractors(baseURL string) map[crawl.Stage]crawl.Extractor {
	base := strings.TrimRight(baseURL, "/")
	return map[crawl.Stage]crawl.Extractor{
		crawl.StageCategory:      &CategoryExtractor{BaseURL: base},
		crawl.StageProductList:   &ProductListExtractor{BaseURL: base},
		crawl.StageProductDetail: &DetailExtractor{BaseURL: base},
	}
}

// CategoryExtractor parses category pages, discovering subcategories
// and emitting the category itself as a listing target.
type CategoryExtractor struct {
	BaseURL string
}

// PageURL builds the category page URL for a category code.
func (e *CategoryExtractor) PageURL(target string) string {
	return e.BaseURL + "/categories/" + target
}

// Extract pulls the category record and its subcategories from the
// page. The page's own code feeds the product list stage.
func (e *CategoryExtractor) Extract(page crawl.RawPage) (crawl.StageResult, error) {
	doc, err := parse(page)
	if err != nil {
		return crawl.StageResult{}, err
	}

	root := doc.Find("div.category").First()
	code := root.AttrOr("data-code", "")
	if code == "" {
		return crawl.StageResult{}, fmt.Errorf("category page missing data-code")
	}

	result := crawl.StageResult{
		Categories: []crawl.CategoryRecord{{
			Code:   code,
			Name:   strings.TrimSpace(root.Find("h1").First().Text()),
			Active: true,
		}},
		NextTargets: []string{code},
	}

	doc.Find("ul.subcategories li a").Each(func(_ int, sel *goquery.Selection) {
		subCode := sel.AttrOr("data-code", "")
		if subCode == "" {
			return
		}
		result.Categories = append(result.Categories, crawl.CategoryRecord{
			Code:       subCode,
			Name:       strings.TrimSpace(sel.Text()),
			ParentCode: code,
			Active:     true,
		})
		result.NextTargets = append(result.NextTargets, subCode)
	})
	return result, nil
}

// ProductListExtractor parses category listing pages into product
// records; discovered product IDs feed the detail stage.
type ProductListExtractor struct {
	BaseURL string
}

// PageURL builds the listing page URL for a category code.
func (e *ProductListExtractor) PageURL(target string) string {
	return e.BaseURL + "/categories/" + target + "/products"
}

// Extract pulls product tiles from a listing page.
func (e *ProductListExtractor) Extract(page crawl.RawPage) (crawl.StageResult, error) {
	doc, err := parse(page)
	if err != nil {
		return crawl.StageResult{}, err
	}

	categoryCode := doc.Find("div.listing").First().AttrOr("data-category", "")
	var result crawl.StageResult
	var parseErr error

	doc.Find("div.product").Each(func(_ int, sel *goquery.Selection) {
		if parseErr != nil {
			return
		}
		id := sel.AttrOr("data-id", "")
		if id == "" {
			parseErr = fmt.Errorf("product tile missing data-id")
			return
		}
		price, err := parsePrice(sel.Find("span.price").First().Text())
		if err != nil {
			parseErr = fmt.Errorf("product %s: %w", id, err)
			return
		}
		result.Products = append(result.Products, crawl.ProductRecord{
			RetailerID:   id,
			Name:         strings.TrimSpace(sel.Find("h2").First().Text()),
			Price:        price,
			Unit:         strings.TrimSpace(sel.Find("span.unit").First().Text()),
			URL:          e.BaseURL + "/products/" + id,
			CategoryCode: categoryCode,
			InStock:      !sel.HasClass("out-of-stock"),
			SpecialOffer: strings.TrimSpace(sel.Find("span.offer").First().Text()),
		})
		result.NextTargets = append(result.NextTargets, id)
	})
	if parseErr != nil {
		return crawl.StageResult{}, parseErr
	}
	if len(result.Products) == 0 {
		return crawl.StageResult{}, fmt.Errorf("listing page has no products")
	}
	return result, nil
}

// DetailExtractor parses product detail pages for nutrition values.
type DetailExtractor struct {
	BaseURL string
}

// PageURL builds the product page URL for a retailer product ID.
func (e *DetailExtractor) PageURL(target string) string {
	return e.BaseURL + "/products/" + target
}

// Extract pulls the per-100g nutrition table from a product page.
func (e *DetailExtractor) Extract(page crawl.RawPage) (crawl.StageResult, error) {
	doc, err := parse(page)
	if err != nil {
		return crawl.StageResult{}, err
	}

	id := doc.Find("div.product-detail").First().AttrOr("data-id", "")
	if id == "" {
		return crawl.StageResult{}, fmt.Errorf("product page missing data-id")
	}

	values := make(map[string]string)
	doc.Find("table.nutrition tr").Each(func(_ int, sel *goquery.Selection) {
		key := strings.TrimSpace(sel.Find("th").First().Text())
		val := strings.TrimSpace(sel.Find("td").First().Text())
		if key != "" && val != "" {
			values[key] = val
		}
	})
	if len(values) == 0 {
		return crawl.StageResult{}, fmt.Errorf("product %s has no nutrition table", id)
	}

	return crawl.StageResult{
		Nutrition: &crawl.NutritionRecord{RetailerID: id, Values: values},
	}, nil
}

func parse(page crawl.RawPage) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", page.URL, err)
	}
	return doc, nil
}

func parsePrice(text string) (float64, error) {
	cleaned := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(text), "£$€"))
	if cleaned == "" {
		return 0, fmt.Errorf("empty price")
	}
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing price %q: %w", text, err)
	}
	return price, nil
}
