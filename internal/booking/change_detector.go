package booking

// FieldChange describes one field of the record changing as the result of
// a merge
type FieldChange struct {
	Field string // "name", "pickup", "destination", "passengers", "time", "payment"
	Old   string
	New   string
	// StreetLevel is true for address changes that alter the street
	// itself rather than just the house number. Those invalidate cached
	// geocoding and any computed fare.
	StreetLevel bool
}

// MergeExtraction applies one turn's extracted fields to the record and
// returns the changes it made. A changed address keeps its previous
// interpretation for audit. Empty extraction fields never overwrite
// collected data.
func MergeExtraction(r *Record, ext Extraction) []FieldChange {
	var changes []FieldChange

	if ext.Name != "" && ext.Name != r.Name {
		changes = append(changes, FieldChange{Field: "name", Old: r.Name, New: ext.Name})
		r.Name = ext.Name
	}

	if ext.Pickup != "" && ext.Pickup != r.Pickup.Raw {
		changes = append(changes, applyAddressChange(&r.Pickup, "pickup", ext.Pickup))
	}

	if ext.Destination != "" && ext.Destination != r.Destination.Raw {
		changes = append(changes, applyAddressChange(&r.Destination, "destination", ext.Destination))
	}

	if ext.Passengers > 0 && ext.Passengers != r.Passengers {
		changes = append(changes, FieldChange{Field: "passengers"})
		r.Passengers = ext.Passengers
	}

	if ext.PickupTime != "" && ext.PickupTime != r.PickupTimeRaw {
		changes = append(changes, FieldChange{Field: "time", Old: r.PickupTimeRaw, New: ext.PickupTime})
		r.PickupTimeRaw = ext.PickupTime
	}

	if ext.PaymentMethod != "" && ext.PaymentMethod != r.PaymentMethod {
		changes = append(changes, FieldChange{Field: "payment", Old: r.PaymentMethod, New: ext.PaymentMethod})
		r.PaymentMethod = ext.PaymentMethod
	}

	return changes
}

func applyAddressChange(addr *Address, field, raw string) FieldChange {
	change := FieldChange{
		Field:       field,
		Old:         addr.Raw,
		New:         raw,
		StreetLevel: addr.Raw != "" && !SameStreet(addr.Raw, raw),
	}

	if addr.Raw != "" {
		addr.PreviousInterpretations = append(addr.PreviousInterpretations, addr.Raw)
	}
	addr.Raw = raw

	// A street-level change makes the cached geocoding stale. A pure
	// house-number correction keeps the street resolution.
	if change.StreetLevel {
		addr.Geocoded = nil
		addr.Resolved = false
	} else if addr.Geocoded != nil {
		addr.Geocoded.HouseNumber = firstNumber(raw)
	}

	return change
}

func firstNumber(s string) string {
	for _, w := range tokenize(s) {
		if isNumeric(w) {
			return w
		}
	}
	return ""
}

// HasStreetLevelChange reports whether any change in the list altered an
// address at the street level.
func HasStreetLevelChange(changes []FieldChange) bool {
	for _, c := range changes {
		if c.StreetLevel {
			return true
		}
	}
	return false
}

// AffectsFare reports whether any change in the list invalidates an
// already-computed fare: a street-level address change or a new pickup
// time.
func AffectsFare(changes []FieldChange) bool {
	for _, c := range changes {
		if c.StreetLevel || c.Field == "time" {
			return true
		}
	}
	return false
}
