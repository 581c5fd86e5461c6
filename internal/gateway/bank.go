package gateway

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

// BankTransfer simulates the IBAN rail. Each accepted leg is rendered as a
// pacs.008 FIToFICustomerCreditTransfer the way the interbank side would
// receive it; the XML goes to the log in place of a real clearing connection.
type BankTransfer struct {
	store       *AttemptStore
	bic         string
	failureRate float64
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBankTransfer(store *AttemptStore, bic string, failureRate float64, maxLatency time.Duration, rng *rand.Rand) *BankTransfer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &BankTransfer{
		store:       store,
		bic:         bic,
		failureRate: failureRate,
		maxLatency:  maxLatency,
		rng:         rng,
	}
}

func (b *BankTransfer) Name() string {
	return "BANK_TRANSFER"
}

func (b *BankTransfer) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	iban := req.Destination["iban"]
	if iban == "" {
		return nil, fmt.Errorf("bank transfer requires a destination IBAN")
	}

	b.mu.Lock()
	roll := b.rng.Float64()
	latency := time.Duration(b.rng.Int63n(int64(b.maxLatency) + 1))
	b.mu.Unlock()

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &Result{
		ProviderReference: "IBK-" + uuid.New().String(),
		Success:           roll >= b.failureRate,
		Status:            "ACCEPTED",
	}
	if !result.Success {
		result.Status = "DECLINED"
		result.Error = "bank rejected the credit transfer"
		b.store.Record(req.Reference, result)
		log.Printf("[GATEWAY] bank transfer %s -> DECLINED", req.Reference)
		return result, nil
	}

	doc, err := b.buildPacs008(req, iban, result.ProviderReference)
	if err != nil {
		return nil, err
	}

	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pacs.008: %w", err)
	}

	b.store.Record(req.Reference, result)
	log.Printf("[GATEWAY] bank transfer %s -> ACCEPTED, pacs.008 dispatched:\n%s", req.Reference, string(xmlData))
	return result, nil
}

// buildPacs008 creates the FIToFICustomerCreditTransfer message for one leg.
func (b *BankTransfer) buildPacs008(req ExecuteRequest, iban, providerRef string) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	creDtTm := time.Now()
	settlementDate := time.Now()
	amount := float64(req.Amount) / 100

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(providerRef),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(req.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(req.Reference)}[0],
					EndToEndId: common.Max35Text(req.Reference),
					TxId:       &[]common.Max35Text{common.Max35Text(providerRef)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(req.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(b.bic)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(req.Destination["sender_name"])}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(req.Destination["bank_code"]),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(iban)}[0],
				},
			},
		},
	}

	return doc, nil
}
