package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// tableCells holds values found by walking label/value table rows. Each
// field keeps the first value seen.
type tableCells struct {
	permitNumber   *string
	applicant      *string
	designer       *string
	designerFirm   *string
	supervisor     *string
	supervisorFirm *string
	contractor     *string
	contractorFirm *string
	engineer       *string
	lot            *string
	address        *string
	zone           *string
	area           *string
}

func scanTable(doc *goquery.Document) tableCells {
	var out tableCells
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td, th")
		n := cells.Length()
		if n < 2 {
			return
		}
		text := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }
		label := text(0)

		switch {
		case strings.Contains(label, "執照號碼"):
			set(&out.permitNumber, text(1))
		case strings.Contains(label, "起造人"):
			if n >= 3 && strings.Contains(text(1), "姓名") {
				set(&out.applicant, text(2))
			}
		case strings.Contains(label, "設計人"):
			person(cells, &out.designer, &out.designerFirm)
		case strings.Contains(label, "監造人"):
			person(cells, &out.supervisor, &out.supervisorFirm)
		case strings.Contains(label, "承造人"):
			if n >= 3 && strings.Contains(text(1), "姓名") {
				set(&out.contractor, text(2))
			}
			if n >= 5 {
				set(&out.contractorFirm, text(4))
			}
		case strings.Contains(label, "專任工程人員"):
			set(&out.engineer, text(1))
		case strings.Contains(label, "地號"):
			set(&out.lot, text(1))
		case strings.Contains(label, "地址"):
			set(&out.address, text(1))
		case strings.Contains(label, "使用分區"):
			set(&out.zone, text(1))
		case strings.Contains(label, "基地面積"):
			if n >= 4 {
				set(&out.area, text(3))
			} else {
				set(&out.area, text(1))
			}
		}
	})
	return out
}

// person reads the "label | 姓名 | name | 事務所 | firm" row layout.
func person(cells *goquery.Selection, name, firm **string) {
	n := cells.Length()
	text := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }
	if n >= 3 && strings.Contains(text(1), "姓名") {
		set(name, text(2))
	}
	if n >= 5 && strings.Contains(text(3), "事務所") {
		set(firm, text(4))
	}
}

func set(dst **string, v string) {
	if *dst != nil || v == "" {
		return
	}
	*dst = &v
}
