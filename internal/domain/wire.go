package domain

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/totegamma/ticketgate"
)

func (r LedgerRecord) Wire() ticketgate.LedgerRecord {
	out := ticketgate.LedgerRecord{
		ID:        r.ID,
		Registry:  r.Registry.Hex(),
		Kind:      r.Kind,
		Actor:     r.Actor.Hex(),
		Enabled:   r.Enabled,
		Timestamp: r.Timestamp,
	}
	if r.CredentialID != nil {
		id := strconv.FormatUint(*r.CredentialID, 10)
		out.CredentialID = &id
	}
	if r.Subject != nil {
		out.Subject = r.Subject.Hex()
	}
	if r.Amount != nil {
		out.Amount = r.Amount.String()
	}
	return out
}

func (s RegistrySummary) Wire() ticketgate.RegistrySummary {
	price := "0"
	if s.Price != nil {
		price = s.Price.String()
	}
	return ticketgate.RegistrySummary{
		Address:       s.Address.Hex(),
		Administrator: s.Administrator.Hex(),
		Name:          s.Metadata.Name,
		Symbol:        s.Metadata.Symbol,
		Venue:         s.Metadata.Venue,
		StartsAt:      s.Metadata.StartsAt,
		MetadataURI:   s.Metadata.MetadataURI,
		Price:         price,
		Capacity:      s.Capacity,
		Issued:        s.Issued,
		Remaining:     s.Remaining(),
	}
}

// Response renders the decision for gate devices.
func (d Decision) Response() ticketgate.VerifyResponse {
	var tokenID string
	if d.CredentialID != nil {
		tokenID = strconv.FormatUint(*d.CredentialID, 10)
	}

	if d.Admit {
		return ticketgate.VerifyResponse{
			Valid:        true,
			Owner:        d.Owner.Hex(),
			CredentialID: tokenID,
			EventName:    d.Event.Name,
			EventVenue:   d.Event.Venue,
			DryRun:       d.DryRun,
			Message:      d.Message,
		}
	}

	used := d.Used
	resp := ticketgate.VerifyResponse{
		Valid:        false,
		Reason:       string(d.Reason),
		CredentialID: tokenID,
		Error:        d.Message,
		Used:         &used,
	}
	if d.Owner != (common.Address{}) {
		resp.Owner = d.Owner.Hex()
	}
	return resp
}

func (s CredentialState) Wire(registry common.Address, id uint64) ticketgate.CredentialState {
	return ticketgate.CredentialState{
		Registry:     registry.Hex(),
		CredentialID: strconv.FormatUint(id, 10),
		Exists:       s.Exists,
		Owner:        s.Owner.Hex(),
		Used:         s.Consumed,
	}
}
