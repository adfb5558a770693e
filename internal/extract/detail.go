package extract

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/carina/internal/domain"
)

// lengthLabel 是详情元数据中声明图片总数的标签。
const lengthLabel = "Length"

// Detail 解析画廊详情页（不含 manifest）。
//
// #gn 不存在说明拿到的不是详情页：返回 *Error{ReasonInvalidPage}，Excerpt 供排查。
func (p Parser) Detail(html []byte, ref domain.GalleryRef) (domain.GalleryDetail, error) {
	doc, err := newDocument(html)
	if err != nil {
		return domain.GalleryDetail{}, &Error{Reason: ReasonInvalidPage, Excerpt: Excerpt(html)}
	}
	gn := doc.Find("#gn").First()
	if gn.Length() == 0 {
		return domain.GalleryDetail{}, &Error{Reason: ReasonInvalidPage, Excerpt: Excerpt(html)}
	}

	d := domain.GalleryDetail{
		GalleryRef:        ref,
		Title:             normSpace(gn.Text()),
		TitleNative:       normSpace(doc.Find("#gj").First().Text()),
		ThumbnailRef:      p.thumbnail(doc.Find("#gd1").First()),
		Tags:              map[string][]string{},
		Metadata:          map[string]string{},
		DeclaredPageCount: 1,
	}

	doc.Find("#taglist tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		ns := strings.TrimRight(normSpace(cells.Eq(0).Text()), ":")
		chipsCell := cells.Eq(1)
		if cells.Length() == 1 {
			// 没有命名空间列时整行都是标签。
			ns = "misc"
			chipsCell = cells.Eq(0)
		}
		if ns == "" {
			ns = "misc"
		}
		chips := []string{}
		chipsCell.Find("div").Each(func(_ int, chip *goquery.Selection) {
			// 嵌套 div 只取叶子，避免重复。
			if chip.Find("div").Length() > 0 {
				return
			}
			if v := normSpace(chip.Text()); v != "" {
				chips = append(chips, v)
			}
		})
		if _, ok := d.Tags[ns]; !ok {
			d.TagOrder = append(d.TagOrder, ns)
			d.Tags[ns] = chips
			return
		}
		d.Tags[ns] = append(d.Tags[ns], chips...)
	})

	doc.Find("#gdd tr").Each(func(_ int, row *goquery.Selection) {
		label := normLabel(row.Find("td.gdt1").First().Text())
		if label == "" {
			return
		}
		d.Metadata[label] = normSpace(row.Find("td.gdt2").First().Text())
	})
	if v, ok := d.Metadata[lengthLabel]; ok {
		if n, ok := firstInt(v); ok {
			d.DeclaredImageCount = &n
		}
	}

	doc.Find("table.ptt td a").Each(func(_ int, a *goquery.Selection) {
		// "<"、">" 等导航锚点不是数字，直接跳过。
		n, err := strconv.Atoi(normSpace(a.Text()))
		if err != nil {
			return
		}
		if n > d.DeclaredPageCount {
			d.DeclaredPageCount = n
		}
	})

	if href, ok := doc.Find(`a[href*="/mpv/"]`).First().Attr("href"); ok {
		d.ViewerURL = p.resolve(href)
	}
	return d, nil
}
