package ipsets

import (
	"bufio"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/actor"
	"github.com/projectcalico/felix/pkg/model"
	"github.com/projectcalico/felix/pkg/set"
)

// Manager is the reference-counted factory of ActiveIpsets for one IP
// family, keyed by tag.  It maintains the endpoint/profile/tag indexes that
// let it compute, at any moment, the intended membership of any tag's ipset.
type Manager struct {
	mailbox *actor.Mailbox
	actor.NoOpFinisher

	ipVersion uint8
	exec      ExecFunc
	refMgr    *actor.RefManager[*ActiveIpset]

	tagsByProfileID        map[string][]string
	endpointsByID          map[string]*model.Endpoint
	endpointIDsByProfileID map[string]set.Set[string]
	endpointIDsByTag       map[string]set.Set[string]

	// Profiles attached to at least one local endpoint.  Every tag in an
	// in-use profile's tag list holds one reference on its ipset, so the
	// set exists as long as some local endpoint's profile carries the tag.
	profileUseCounts map[string]int
}

type ManagerOption func(*Manager)

func WithExec(fn ExecFunc) ManagerOption {
	return func(m *Manager) { m.exec = fn }
}

func NewManager(ipVersion uint8, opts ...ManagerOption) *Manager {
	m := &Manager{
		ipVersion:              ipVersion,
		exec:                   execCommand,
		tagsByProfileID:        map[string][]string{},
		endpointsByID:          map[string]*model.Endpoint{},
		endpointIDsByProfileID: map[string]set.Set[string]{},
		endpointIDsByTag:       map[string]set.Set[string]{},
		profileUseCounts:       map[string]int{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mailbox = actor.NewMailbox(fmt.Sprintf("ipset-mgr-v%d", ipVersion), m)
	m.refMgr = actor.NewRefManager(
		fmt.Sprintf("ipsets-v%d", ipVersion),
		m.createIpset,
		nil,
		m.mailbox.Post,
	)
	return m
}

func (m *Manager) Start() {
	m.mailbox.Start()
}

// createIpset builds the actor for a tag that has just become active and
// seeds it with the members implied by the current indexes.  The seed is
// posted before the new actor can see any other message, so it is always
// processed in its first batch.
func (m *Manager) createIpset(tag string) *ActiveIpset {
	ipset := NewActiveIpset(m.ipVersion, tag, m.exec, func() {
		log.WithFields(log.Fields{"tag": tag, "ipVersion": m.ipVersion}).Debug(
			"Tag ipset programmed for the first time")
	})
	members := set.New[string]()
	for epID := range m.endpointIDsByTag[tag] {
		if ep := m.endpointsByID[epID]; ep != nil {
			for _, ip := range ep.IPsForVersion(m.ipVersion) {
				members.Add(ip)
			}
		}
	}
	ipset.ReplaceMembers(members)
	return ipset
}

// IncRefTag marks the tag as in use by some consumer (a profile whose rules
// reference it); the first reference creates the kernel ipset.
func (m *Manager) IncRefTag(tag string) {
	m.mailbox.Post("incref-tag", func() error {
		m.refMgr.GetAndIncref(tag)
		return nil
	})
}

// DecRefTag drops a tag reference; the last drop destroys the kernel ipset.
func (m *Manager) DecRefTag(tag string) {
	m.mailbox.Post("decref-tag", func() error {
		m.refMgr.Decref(tag)
		return nil
	})
}

// IncRefTagsForProfile records that a local endpoint is using the profile.
// The first user pins the ipset of every tag in the profile's tag list; tags
// added to the list later are pinned by OnTagsUpdate.
func (m *Manager) IncRefTagsForProfile(profileID string) {
	m.mailbox.Post("incref-profile-tags", func() error {
		m.profileUseCounts[profileID]++
		if m.profileUseCounts[profileID] == 1 {
			for _, tag := range m.tagsByProfileID[profileID] {
				m.refMgr.GetAndIncref(tag)
			}
		}
		return nil
	})
}

// DecRefTagsForProfile undoes IncRefTagsForProfile; the profile's last local
// user releases all its tags.
func (m *Manager) DecRefTagsForProfile(profileID string) {
	m.mailbox.Post("decref-profile-tags", func() error {
		count := m.profileUseCounts[profileID]
		if count <= 0 {
			log.WithField("profileID", profileID).Panic(
				"Profile tag decref with no uses")
		}
		count--
		if count > 0 {
			m.profileUseCounts[profileID] = count
			return nil
		}
		delete(m.profileUseCounts, profileID)
		for _, tag := range m.tagsByProfileID[profileID] {
			m.refMgr.Decref(tag)
		}
		return nil
	})
}

// ApplySnapshot replaces all in-memory state: each entry in the snapshot is
// processed as an update, then anything we knew about that is missing from
// the snapshot is processed as a deletion.
func (m *Manager) ApplySnapshot(tagsByProfileID map[string][]string, endpointsByID map[string]*model.Endpoint) {
	m.mailbox.Post("apply-snapshot", func() error {
		log.WithFields(log.Fields{
			"ipVersion": m.ipVersion,
			"profiles":  len(tagsByProfileID),
			"endpoints": len(endpointsByID),
		}).Info("Applying tags snapshot")
		missingProfileIDs := set.New[string]()
		for profileID := range m.tagsByProfileID {
			missingProfileIDs.Add(profileID)
		}
		for profileID, tags := range tagsByProfileID {
			m.onTagsUpdate(profileID, tags)
			missingProfileIDs.Discard(profileID)
		}
		for profileID := range missingProfileIDs {
			m.onTagsUpdate(profileID, nil)
		}
		missingEndpoints := set.New[string]()
		for epID := range m.endpointsByID {
			missingEndpoints.Add(epID)
		}
		for epID, ep := range endpointsByID {
			m.onEndpointUpdate(epID, ep)
			missingEndpoints.Discard(epID)
		}
		for epID := range missingEndpoints {
			m.onEndpointUpdate(epID, nil)
		}
		log.WithField("ipVersion", m.ipVersion).Info("Tags snapshot applied")
		return nil
	})
}

// OnTagsUpdate is called when a profile's tag list has changed or been
// deleted (tags == nil).
func (m *Manager) OnTagsUpdate(profileID string, tags []string) {
	m.mailbox.Post("on-tags-update", func() error {
		m.onTagsUpdate(profileID, tags)
		return nil
	})
}

// OnEndpointUpdate is called when an endpoint has been created, updated or
// deleted (ep == nil).
func (m *Manager) OnEndpointUpdate(endpointID string, ep *model.Endpoint) {
	m.mailbox.Post("on-endpoint-update", func() error {
		m.onEndpointUpdate(endpointID, ep)
		return nil
	})
}

func (m *Manager) onTagsUpdate(profileID string, tags []string) {
	log.WithField("profileID", profileID).Info("Tags for profile updated")
	oldTags := set.FromSlice(m.tagsByProfileID[profileID])
	newTags := set.FromSlice(tags)
	m.processTagUpdates(profileID, oldTags, newTags)
	if tags == nil {
		delete(m.tagsByProfileID, profileID)
	} else {
		m.tagsByProfileID[profileID] = tags
	}
	if m.profileUseCounts[profileID] > 0 {
		// The profile is attached to local endpoints: changes to its tag
		// list move the ipset references it holds.  Incref after the
		// index update above so a new ipset is seeded correctly.
		for tag := range newTags.Difference(oldTags) {
			m.refMgr.GetAndIncref(tag)
		}
		for tag := range oldTags.Difference(newTags) {
			m.refMgr.Decref(tag)
		}
	}
}

// processTagUpdates updates the tag index and any live ipsets for the change
// in the given profile's tags.
func (m *Manager) processTagUpdates(profileID string, oldTags, newTags set.Set[string]) {
	endpointIDs := m.endpointIDsByProfileID[profileID]
	addedTags := newTags.Difference(oldTags)
	removedTags := oldTags.Difference(newTags)
	for tag := range addedTags {
		for epID := range endpointIDs {
			m.ensureTagIndex(tag).Add(epID)
		}
		if ipset, ok := m.refMgr.Live(tag); ok {
			for epID := range endpointIDs {
				if ep := m.endpointsByID[epID]; ep != nil {
					for _, ip := range ep.IPsForVersion(m.ipVersion) {
						ipset.AddMember(ip)
					}
				}
			}
		}
	}
	for tag := range removedTags {
		for epID := range endpointIDs {
			m.discardFromTagIndex(tag, epID)
		}
		if ipset, ok := m.refMgr.Live(tag); ok {
			for epID := range endpointIDs {
				if ep := m.endpointsByID[epID]; ep != nil {
					for _, ip := range ep.IPsForVersion(m.ipVersion) {
						ipset.RemoveMember(ip)
					}
				}
			}
		}
	}
}

func (m *Manager) onEndpointUpdate(endpointID string, ep *model.Endpoint) {
	oldEndpoint := m.endpointsByID[endpointID]
	var oldProfileID string
	oldTags := set.New[string]()
	oldIPs := set.New[string]()
	if oldEndpoint != nil {
		oldProfileID = oldEndpoint.ProfileID
		oldTags = set.FromSlice(m.tagsByProfileID[oldProfileID])
		oldIPs = set.FromSlice(oldEndpoint.IPsForVersion(m.ipVersion))
	}

	if ep == nil {
		if oldEndpoint == nil {
			log.WithField("endpointID", endpointID).Warn(
				"Delete for unknown endpoint")
			return
		}
		log.WithField("endpointID", endpointID).Info("Endpoint deleted")
		if eps := m.endpointIDsByProfileID[oldProfileID]; eps != nil {
			eps.Discard(endpointID)
			if eps.Len() == 0 {
				delete(m.endpointIDsByProfileID, oldProfileID)
			}
		}
		for tag := range oldTags {
			m.discardFromTagIndex(tag, endpointID)
			if ipset, ok := m.refMgr.Live(tag); ok {
				for ip := range oldIPs {
					ipset.RemoveMember(ip)
				}
			}
		}
		delete(m.endpointsByID, endpointID)
		return
	}

	log.WithField("endpointID", endpointID).Info("Endpoint update received")
	newProfileID := ep.ProfileID
	newTags := set.FromSlice(m.tagsByProfileID[newProfileID])
	newIPs := set.FromSlice(ep.IPsForVersion(m.ipVersion))

	// IPs dropped from the endpoint leave every ipset for its old tags...
	for removedIP := range oldIPs.Difference(newIPs) {
		for tag := range oldTags {
			if ipset, ok := m.refMgr.Live(tag); ok {
				ipset.RemoveMember(removedIP)
			}
		}
	}
	// ...tags it no longer carries lose all its old IPs...
	for tag := range oldTags.Difference(newTags) {
		m.discardFromTagIndex(tag, endpointID)
		if ipset, ok := m.refMgr.Live(tag); ok {
			for ip := range oldIPs {
				ipset.RemoveMember(ip)
			}
		}
	}
	// ...and every current tag gains its current IPs (add is idempotent).
	for tag := range newTags {
		m.ensureTagIndex(tag).Add(endpointID)
		if ipset, ok := m.refMgr.Live(tag); ok {
			for ip := range newIPs {
				ipset.AddMember(ip)
			}
		}
	}

	m.endpointsByID[endpointID] = ep
	if oldProfileID != "" && oldProfileID != newProfileID {
		if eps := m.endpointIDsByProfileID[oldProfileID]; eps != nil {
			eps.Discard(endpointID)
			if eps.Len() == 0 {
				delete(m.endpointIDsByProfileID, oldProfileID)
			}
		}
	}
	if m.endpointIDsByProfileID[newProfileID] == nil {
		m.endpointIDsByProfileID[newProfileID] = set.New[string]()
	}
	m.endpointIDsByProfileID[newProfileID].Add(endpointID)
}

func (m *Manager) ensureTagIndex(tag string) set.Set[string] {
	if m.endpointIDsByTag[tag] == nil {
		m.endpointIDsByTag[tag] = set.New[string]()
	}
	return m.endpointIDsByTag[tag]
}

func (m *Manager) discardFromTagIndex(tag, endpointID string) {
	if eps := m.endpointIDsByTag[tag]; eps != nil {
		eps.Discard(endpointID)
		if eps.Len() == 0 {
			delete(m.endpointIDsByTag, tag)
		}
	}
}

// Cleanup destroys any kernel ipset that carries our prefix for this IP
// family but is owned by neither a live nor a stopping actor.  Safe to run
// at any time; it blocks until the sweep is done.
func (m *Manager) Cleanup() error {
	return m.mailbox.Call("cleanup", func() error {
		log.WithField("ipVersion", m.ipVersion).Info("Cleaning up left-over ipsets")
		out, err := m.exec("ipset", []string{"list"}, "")
		if err != nil {
			return &ExecError{Cmd: "ipset list", Out: out, Err: err}
		}
		allNames := parseIpsetListNames(string(out))

		owned := set.New[string]()
		for _, ipset := range m.refMgr.LiveAndStopping() {
			for _, name := range ipset.OwnedIpsetNames() {
				owned.Add(name)
			}
		}

		for _, name := range allNames {
			if !m.nameHasOurPrefix(name) || owned.Contains(name) {
				continue
			}
			log.WithField("name", name).Info("Destroying left-over ipset")
			if out, err := m.exec("ipset", []string{"destroy", name}, ""); err != nil {
				// Will be retried on the next cleanup.
				log.WithFields(log.Fields{
					"name":   name,
					"output": strings.TrimSpace(string(out)),
				}).Warn("Failed to destroy left-over ipset")
			}
		}
		return nil
	})
}

func (m *Manager) nameHasOurPrefix(name string) bool {
	for _, pfx := range NamePrefixes(m.ipVersion) {
		if strings.HasPrefix(name, pfx) {
			return true
		}
	}
	return false
}

// parseIpsetListNames pulls the set names out of `ipset list` output; the
// tool has no names-only mode that is portable across versions.
func parseIpsetListNames(out string) []string {
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && fields[0] == "Name:" {
			names = append(names, fields[1])
		}
	}
	return names
}
