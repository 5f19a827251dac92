package letters

import (
	"strconv"
	"strings"
	"time"

	"claimsportal/pkg/domain"
)

// Office holds fallback contact details printed when the claim has none.
type Office struct {
	Phone string
	Email string
}

const (
	lossDateLayout    = "2006-01-02"
	generatedAtLayout = "January 2, 2006 3:04 PM UTC"
)

// Fields builds the placeholder values for one sub-claim and rule.
func Fields(c domain.Claim, sc domain.SubClaim, r domain.Rule, templateFile string, now time.Time, office Office) map[string]string {
	party := c.PartyFor(sc)
	addressee := addresseeFor(c, sc, party, r.MailTo)

	claimant := strings.TrimSpace(sc.ClaimantName)
	if claimant == "" && party != nil {
		claimant = party.Name
	}
	adjuster := strings.TrimSpace(sc.AssignedAdjusterName)
	if adjuster == "" {
		adjuster = c.Adjuster.Name
	}

	values := map[string]string{
		"ClaimNumber":     c.ClaimNumber,
		"PolicyNumber":    c.PolicyNumber,
		"InsuredName":     c.InsuredName,
		"ClaimantName":    claimant,
		"LossDate":        "",
		"LocationAddress": c.LossLocation.OneLine(),
		"AddresseeName":   addressee.name,
		"AddressLine1":    addressee.address.Line1,
		"AddressLine2":    addressee.address.Line2,
		"City":            addressee.address.City,
		"State":           addressee.address.State,
		"PostalCode":      addressee.address.PostalCode,
		"AdjusterName":    adjuster,
		"AdjusterPhone":   firstNonEmpty(c.Adjuster.Phone, office.Phone),
		"AdjusterEmail":   firstNonEmpty(c.Adjuster.Email, office.Email),
		"TemplateName":    templateFile,
		"RuleName":        r.DocumentName,
		"GeneratedAt":     now.UTC().Format(generatedAtLayout),
		"Coverage":        sc.Coverage,
		"FeatureNumber":   strconv.Itoa(sc.FeatureNumber),
		"MailTo":          r.MailTo,
	}
	if c.LossDate != nil {
		values["LossDate"] = c.LossDate.Format(lossDateLayout)
	}
	if addressee.firm != "" {
		values["AttorneyFirm"] = addressee.firm
	}
	return values
}

type addressee struct {
	name    string
	firm    string
	address domain.Address
}

// addresseeFor picks who the letter is mailed to. A rule mailing to an
// attorney uses the party's attorney when one is on file; a rule mailing to
// the insured uses the insured driver; everything else goes to the claimant.
func addresseeFor(c domain.Claim, sc domain.SubClaim, party *domain.Party, mailTo string) addressee {
	target := strings.ToLower(mailTo)
	switch {
	case strings.Contains(target, "attorney") && party != nil && party.Attorney != nil:
		a := party.Attorney
		return addressee{name: a.Name, firm: a.Firm, address: a.Address}
	case strings.Contains(target, "insured") && c.InsuredDriver != nil:
		name := firstNonEmpty(c.InsuredName, c.InsuredDriver.Name)
		return addressee{name: name, address: c.InsuredDriver.Address}
	case party != nil:
		return addressee{name: party.Name, address: party.Address}
	default:
		return addressee{name: sc.ClaimantName}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
