// Package parser extracts permit records from registry detail pages.
package parser

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/width"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

var (
	permitNumberRe   = regexp.MustCompile(`(?:建造|建築)執照號碼\s*:\s*([^\s<]+)`)
	applicantRe      = regexp.MustCompile(`起造人[^>]*姓名[^>]*>([^<]+)`)
	designerRe       = regexp.MustCompile(`設計人[^>]*姓名[^>]*>([^<]+)`)
	designerFirmRe   = regexp.MustCompile(`設計人[^>]*事務所[^>]*>([^<]+)`)
	supervisorRe     = regexp.MustCompile(`監造人[^>]*姓名[^>]*>([^<]+)`)
	supervisorFirmRe = regexp.MustCompile(`監造人[^>]*事務所[^>]*>([^<]+)`)
	contractorRe     = regexp.MustCompile(`承造人[^>]*姓名[^>]*>([^<]+)`)
	contractorFirmRe = regexp.MustCompile(`承造廠商[^>]*>([^<]+)`)
	lotRe            = regexp.MustCompile(`地號[^>]*>([^<]+)`)
	addressRe        = regexp.MustCompile(`地址[^>]*>([^<]+)`)
	districtRe       = regexp.MustCompile(`臺中市([^區]+區)`)
	floorInfoRe      = regexp.MustCompile(`地上.*?層.*?棟.*?戶|地上.*?層.*?幢.*?棟.*?戶`)
	floorsAboveRe    = regexp.MustCompile(`地上(\d+)層`)
	floorsBelowRe    = regexp.MustCompile(`地下(\d+)層`)
	blockRe          = regexp.MustCompile(`(\d+)幢`)
	buildingRe       = regexp.MustCompile(`(\d+)棟`)
	unitRe           = regexp.MustCompile(`(\d+)戶`)
	floorAreaRe      = regexp.MustCompile(`總樓地板面積.*?<span[^>]*>([0-9.,]+)`)
	issueDateRe      = regexp.MustCompile(`發照日期.*?(\d{3})/(\d{2})/(\d{2})`)
	decimalRe        = regexp.MustCompile(`[\d.]+`)
)

// Parser implements crawler.RecordParser.
type Parser struct {
	clock  crawler.Clock
	policy *bluemonday.Policy
}

// New builds a Parser stamping records with clock.Now().
func New(clock crawler.Clock) *Parser {
	return &Parser{clock: clock, policy: bluemonday.StrictPolicy()}
}

// Parse maps a detail page to a PermitRecord.
func (p *Parser) Parse(content string, indexKey string) (crawler.PermitRecord, error) {
	if crawler.HasRedactedMarker(content) {
		return crawler.PermitRecord{}, crawler.ErrNoData
	}
	key, err := crawler.ParseKey(indexKey)
	if err != nil {
		return crawler.PermitRecord{}, fmt.Errorf("%w: %w", crawler.ErrUnparseable, err)
	}

	// Full-width colons, digits and slashes become ASCII.
	page := width.Fold.String(content)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return crawler.PermitRecord{}, fmt.Errorf("%w: read document: %w", crawler.ErrUnparseable, err)
	}
	cells := scanTable(doc)

	rec := crawler.PermitRecord{
		IndexKey:       indexKey,
		PermitYear:     key.Year,
		PermitType:     key.RecordType,
		SequenceNumber: key.Sequence,
		VersionNumber:  key.Revision,
		CrawledAt:      p.clock.Now().UTC(),
	}

	if number := p.match(permitNumberRe, page); number != nil {
		rec.PermitNumber = *number
	} else if cells.permitNumber != nil {
		rec.PermitNumber = p.clean(*cells.permitNumber)
	}
	if rec.PermitNumber == "" {
		return crawler.PermitRecord{}, fmt.Errorf("%s: %w", indexKey, crawler.ErrUnparseable)
	}

	rec.ApplicantName = p.first(p.match(applicantRe, page), cells.applicant)
	rec.DesignerName = p.first(p.match(designerRe, page), cells.designer)
	rec.DesignerCompany = p.first(p.match(designerFirmRe, page), cells.designerFirm)
	rec.SupervisorName = p.first(p.match(supervisorRe, page), cells.supervisor)
	rec.SupervisorCompany = p.first(p.match(supervisorFirmRe, page), cells.supervisorFirm)
	rec.ContractorName = p.first(p.match(contractorRe, page), cells.contractor)
	rec.ContractorCompany = p.first(p.match(contractorFirmRe, page), cells.contractorFirm)
	rec.EngineerName = p.first(nil, cells.engineer)
	rec.SiteZone = p.first(nil, cells.zone)
	rec.SiteAddress = p.first(p.match(lotRe, page), p.match(addressRe, page), cells.lot, cells.address)

	if rec.SiteAddress != nil {
		if m := districtRe.FindStringSubmatch(*rec.SiteAddress); m != nil {
			rec.District = &m[1]
		}
	}
	if cells.area != nil {
		if m := decimalRe.FindString(strings.ReplaceAll(*cells.area, ",", "")); m != "" {
			if v, err := strconv.ParseFloat(m, 64); err == nil {
				rec.SiteArea = &v
			}
		}
	}

	p.applyFloors(&rec, page)

	if m := floorAreaRe.FindStringSubmatch(page); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			rec.TotalFloorArea = &v
		}
	}
	if m := issueDateRe.FindStringSubmatch(page); m != nil {
		rocYear, _ := strconv.Atoi(m[1])
		iso := fmt.Sprintf("%d-%s-%s", rocYear+1911, m[2], m[3])
		roc := m[1] + "/" + m[2] + "/" + m[3]
		rec.IssueDate, rec.IssueDateROC = &iso, &roc
	}
	return rec, nil
}

func (p *Parser) applyFloors(rec *crawler.PermitRecord, page string) {
	raw := floorInfoRe.FindString(page)
	if raw == "" {
		return
	}
	info := p.clean(raw)
	rec.FloorInfo = &info
	if v, ok := intMatch(floorsAboveRe, info); ok {
		above, floors := v, v
		rec.FloorsAbove, rec.Floors = &above, &floors
	}
	if v, ok := intMatch(floorsBelowRe, info); ok {
		rec.FloorsBelow = &v
	}
	if v, ok := intMatch(blockRe, info); ok {
		rec.BlockCount = &v
	}
	if v, ok := intMatch(buildingRe, info); ok {
		rec.BuildingCount = &v
	}
	if v, ok := intMatch(unitRe, info); ok {
		rec.UnitCount = &v
	}
}

// match returns the cleaned first capture group, or nil.
func (p *Parser) match(re *regexp.Regexp, page string) *string {
	m := re.FindStringSubmatch(page)
	if m == nil {
		return nil
	}
	v := p.clean(m[1])
	if v == "" {
		return nil
	}
	return &v
}

// first returns the first non-empty candidate after cleaning.
func (p *Parser) first(candidates ...*string) *string {
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if v := p.clean(*c); v != "" {
			return &v
		}
	}
	return nil
}

// clean strips markup and collapses whitespace.
func (p *Parser) clean(s string) string {
	text := html.UnescapeString(p.policy.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

func intMatch(re *regexp.Regexp, s string) (int, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}
