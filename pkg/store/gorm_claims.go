package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"claimsportal/pkg/domain"
)

// claimantsSQL joins each claimant with its main address and, when
// represented, the attorney vendor and that vendor's main address.
const claimantsSQL = `
SELECT c.claimant_id, c.claimant_name, c.claimant_type, c.is_attorney_represented,
       a.street_address, a.apt, a.city, a.state, a.zip_code,
       v.vendor_name AS attorney_name, v.doing_business_as AS attorney_firm,
       va.street_address AS attorney_street, va.address_line2 AS attorney_line2,
       va.city AS attorney_city, va.state AS attorney_state, va.zip_code AS attorney_zip
FROM claimants c
LEFT JOIN address_master a ON a.entity_id = c.claimant_entity_id AND a.address_type = 'M' AND a.address_status = 'Y'
LEFT JOIN vendor_master v ON v.vendor_id = c.attorney_vendor_id
LEFT JOIN vendor_address va ON va.vendor_id = v.vendor_id AND va.address_type = 'M'
WHERE c.claim_number = ?
ORDER BY c.claimant_id`

// GetClaim loads the claim read model from the intake tables.
func (s *GormStore) GetClaim(ctx context.Context, claimNumber string) (domain.Claim, bool, error) {
	db := s.db.WithContext(ctx)
	var fnol fnolRow
	if err := db.Where("claim_number = ?", claimNumber).Order("fnol_id DESC").First(&fnol).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Claim{}, false, nil
		}
		return domain.Claim{}, false, fmt.Errorf("load fnol %s: %w", claimNumber, err)
	}
	var subs []subClaimRow
	if err := db.Where("claim_number = ?", claimNumber).Order("feature_number").Find(&subs).Error; err != nil {
		return domain.Claim{}, false, fmt.Errorf("load sub-claims %s: %w", claimNumber, err)
	}
	var claimants []claimantRow
	if err := db.Raw(claimantsSQL, claimNumber).Scan(&claimants).Error; err != nil {
		return domain.Claim{}, false, fmt.Errorf("load claimants %s: %w", claimNumber, err)
	}
	return assembleClaim(fnol, subs, claimants), true, nil
}

// ResolveSubClaimID finds the sub-claim id for a claim feature.
func (s *GormStore) ResolveSubClaimID(ctx context.Context, claimNumber string, featureNumber int) (int64, bool, error) {
	var row subClaimRow
	err := s.db.WithContext(ctx).
		Select("sub_claim_id").
		Where("claim_number = ? AND feature_number = ?", claimNumber, featureNumber).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return row.SubClaimID, true, nil
}

func assembleClaim(fnol fnolRow, subs []subClaimRow, claimants []claimantRow) domain.Claim {
	c := domain.Claim{
		ClaimNumber:  fnol.ClaimNumber,
		PolicyNumber: fnol.PolicyNumber,
		InsuredName:  fnol.InsuredName,
		LossDate:     fnol.DateOfLoss,
		LossLocation: domain.Address{Line1: fnol.LossLocation, Line2: fnol.LossLocation2},
	}
	for _, row := range claimants {
		p := domain.Party{
			Role:        RoleFromClaimantType(row.ClaimantType),
			Name:        strings.TrimSpace(row.ClaimantName),
			HasAttorney: row.IsAttorneyRepresented,
			Address: domain.Address{
				Line1: row.StreetAddress, Line2: row.Apt, City: row.City, State: row.State, PostalCode: row.ZipCode,
			},
		}
		if row.AttorneyName != nil {
			p.Attorney = &domain.Attorney{
				Name: *row.AttorneyName,
				Firm: deref(row.AttorneyFirm),
				Address: domain.Address{
					Line1:      deref(row.AttorneyStreet),
					Line2:      deref(row.AttorneyLine2),
					City:       deref(row.AttorneyCity),
					State:      deref(row.AttorneyState),
					PostalCode: deref(row.AttorneyZip),
				},
			}
		}
		switch {
		case p.Role == domain.RoleDriver && c.InsuredDriver == nil:
			party := p
			c.InsuredDriver = &party
		case p.Role == domain.RolePassenger:
			c.Passengers = append(c.Passengers, p)
		default:
			c.ThirdParties = append(c.ThirdParties, p)
		}
	}
	for _, row := range subs {
		c.SubClaims = append(c.SubClaims, domain.SubClaim{
			ID:                   row.SubClaimID,
			FeatureNumber:        row.FeatureNumber,
			Coverage:             strings.TrimSpace(row.Coverage),
			ClaimType:            strings.TrimSpace(row.ClaimantType),
			ClaimantName:         strings.TrimSpace(row.ClaimantName),
			Role:                 RoleFromClaimantType(row.ClaimantType),
			AssignedAdjusterName: row.AssignedAdjusterName,
		})
		if c.Adjuster.Name == "" {
			c.Adjuster.Name = row.AssignedAdjusterName
		}
	}
	sort.SliceStable(c.SubClaims, func(i, j int) bool { return c.SubClaims[i].FeatureNumber < c.SubClaims[j].FeatureNumber })
	return c
}

// RoleFromClaimantType maps intake claimant type codes to a role tag.
// IVD/IVP are insured vehicle driver/passenger, TPD/TPP third party.
func RoleFromClaimantType(code string) domain.ClaimantRole {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "IVD":
		return domain.RoleDriver
	case "IVP":
		return domain.RolePassenger
	case "TPD", "TPP", "TPO":
		return domain.RoleThirdParty
	}
	role, _ := domain.ParseClaimantRole(code)
	return role
}
