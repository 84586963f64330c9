package etcd

import (
	"bytes"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/model"
)

// A record that fails validation is reported as a deletion of its key so any
// downstream state gets cleaned up; a later valid update re-creates it.  The
// warnings are rate limited per key so a bad record being rewritten in a
// tight loop doesn't flood the logs.
var validationWarnings = gocache.New(5*time.Minute, 10*time.Minute)

func warnOncePerKey(key string, logCxt *log.Entry, msg string) {
	if _, found := validationWarnings.Get(key); found {
		logCxt.Debug(msg)
		return
	}
	validationWarnings.SetDefault(key, struct{}{})
	logCxt.Warn(msg)
}

// parseIfEndpoint decodes the node as an endpoint record if its key matches
// the endpoint pattern.  deleted nodes and invalid payloads yield a nil
// endpoint.
func parseIfEndpoint(ifacePrefix, key, value string, deleted bool) (endpointID string, ep *model.Endpoint, match bool) {
	m := endpointKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", nil, false
	}
	hostname := m[1]
	endpointID = m[4]
	if deleted {
		log.WithField("endpointID", endpointID).Debug("Found deleted endpoint")
		return endpointID, nil, true
	}

	ep = &model.Endpoint{}
	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	if err := dec.Decode(ep); err != nil {
		warnOncePerKey(key, log.WithFields(log.Fields{
			"endpointID": endpointID, "error": err,
		}), "Failed to decode endpoint, treating as missing")
		return endpointID, nil, true
	}
	if err := ValidateEndpoint(ifacePrefix, ep); err != nil {
		warnOncePerKey(key, log.WithFields(log.Fields{
			"endpointID": endpointID, "error": err,
		}), "Validation failed for endpoint, treating as missing")
		return endpointID, nil, true
	}
	ep.ID = endpointID
	ep.Host = hostname
	return endpointID, ep, true
}

// parseIfRules decodes the node as a profile rule list if its key matches.
func parseIfRules(key, value string, deleted bool) (profileID string, rules *model.Rules, match bool) {
	m := rulesKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", nil, false
	}
	profileID = m[1]
	if deleted {
		return profileID, nil, true
	}

	rules = &model.Rules{}
	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	// Unknown rule fields would silently match nothing, so reject them.
	dec.DisallowUnknownFields()
	if err := dec.Decode(rules); err != nil {
		warnOncePerKey(key, log.WithFields(log.Fields{
			"profileID": profileID, "error": err,
		}), "Failed to decode profile rules, treating as missing")
		return profileID, nil, true
	}
	if err := ValidateRules(rules); err != nil {
		warnOncePerKey(key, log.WithFields(log.Fields{
			"profileID": profileID, "error": err,
		}), "Validation failed for profile rules, treating as missing")
		return profileID, nil, true
	}
	rules.ID = profileID
	return profileID, rules, true
}

// parseIfTags decodes the node as a profile tag list if its key matches.
func parseIfTags(key, value string, deleted bool) (profileID string, tags []string, match bool) {
	m := tagsKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", nil, false
	}
	profileID = m[1]
	if deleted {
		return profileID, nil, true
	}

	if err := json.Unmarshal([]byte(value), &tags); err != nil {
		warnOncePerKey(key, log.WithFields(log.Fields{
			"profileID": profileID, "error": err,
		}), "Failed to decode profile tags, treating as missing")
		return profileID, nil, true
	}
	if tags == nil {
		// An explicit JSON null is as good as a deletion.
		return profileID, nil, true
	}
	return profileID, tags, true
}
