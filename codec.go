package strongbox

import "encoding/json"

// drrWire is the on-wire JSON shape for a DataRowRecord (spec §6, bit-exact
// field names). EnvelopeKeyRecord.Revoked is modeled as *bool here so that a
// missing value round-trips as absent rather than collapsing to false; the
// engine boundary interprets an absent Revoked as false via
// EnvelopeKeyRecord.IsRevoked.
type drrWire struct {
	Key  ekrWire `json:"Key"`
	Data []byte  `json:"Data"`
}

type ekrWire struct {
	Created       int64    `json:"Created"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
	Key           []byte   `json:"Key"`
	Revoked       *bool    `json:"Revoked,omitempty"`
}

// EncodeDataRowRecord renders drr as the canonical DRR JSON form.
func EncodeDataRowRecord(drr DataRowRecord) ([]byte, error) {
	var w drrWire
	w.Data = drr.Data

	if drr.Key != nil {
		w.Key = ekrWire{
			Created:       drr.Key.Created,
			ParentKeyMeta: drr.Key.ParentKeyMeta,
			Key:           drr.Key.EncryptedKey,
			Revoked:       drr.Key.Revoked,
		}
	}

	return json.Marshal(w)
}

// DecodeDataRowRecord parses the canonical DRR JSON form produced by
// EncodeDataRowRecord. A missing ParentKeyMeta is preserved as nil; the
// engine treats that as corrupt input (MetadataMissing), per spec §3.
func DecodeDataRowRecord(data []byte) (DataRowRecord, error) {
	var w drrWire
	if err := json.Unmarshal(data, &w); err != nil {
		return DataRowRecord{}, wrapError(KindMetadataMissing, "malformed data row record", err)
	}

	return DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:       w.Key.Created,
			ParentKeyMeta: w.Key.ParentKeyMeta,
			EncryptedKey:  w.Key.Key,
			Revoked:       w.Key.Revoked,
		},
		Data: w.Data,
	}, nil
}
