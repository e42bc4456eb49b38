package identity

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type feedFile struct {
	Records []EligibilityRecord `yaml:"records"`
}

// DecodeFeed reads an institutional eligibility feed:
//
//	records:
//	  - external_id: A001
//	    email: a001@uni.example
//	    full_name: Ada Lovelace
//	    department: Computer Science
//	    role: requester
func DecodeFeed(r io.Reader) ([]EligibilityRecord, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f feedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: decode feed: %v", ErrInvalidInput, err)
	}
	return f.Records, nil
}
