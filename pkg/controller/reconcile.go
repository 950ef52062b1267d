package controller

import (
	"sort"
	"strings"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/types"
)

const allowedValuesSeparator = ";"

// readProperties builds a PropertySet from the engine's in-memory cache,
// skipping reserved entries. Must run on the worker thread.
func readProperties(engine interfaces.Engine) types.PropertySet {
	props := types.NewPropertySet()

	for _, key := range engine.GetCacheEntryKeys() {
		t := engine.GetCacheEntryType(key)
		if t.IsReserved() {
			continue
		}

		entry := types.NewEntry(key, engine.GetCacheEntryValue(key), t)
		entry.HelpText, _ = engine.GetCacheEntryProperty(key, types.PropertyHelpString)
		if v, ok := engine.GetCacheEntryProperty(key, types.PropertyAdvanced); ok {
			entry.Advanced = types.IsTrue(v)
		}
		if v, ok := engine.GetCacheEntryProperty(key, types.PropertyStrings); ok && v != "" {
			entry.AllowedValues = strings.Split(v, allowedValuesSeparator)
		}

		props.Put(entry)
	}

	return props
}

// normalizeDesired copies desired, keying every entry by its map key and
// coercing values to their declared types.
func normalizeDesired(desired types.PropertySet) types.PropertySet {
	out := make(types.PropertySet, len(desired))
	for key, entry := range desired {
		entry = entry.Clone()
		entry.Key = key
		out.Put(entry)
	}
	return out
}

// reconcile applies desired to the engine's in-memory cache: keys missing
// from desired are unwatched and removed, kept keys take value and metadata
// from desired, new keys are watched and added. Reserved entries are never
// touched. The caller saves the cache afterwards.
func reconcile(engine interfaces.Engine, desired types.PropertySet, log logger.Logger) {
	existing := make(map[string]bool)
	reserved := make(map[string]bool)
	for _, key := range engine.GetCacheEntryKeys() {
		if engine.GetCacheEntryType(key).IsReserved() {
			reserved[key] = true
			continue
		}
		existing[key] = true
	}

	removed := make([]string, 0)
	for key := range existing {
		if _, ok := desired[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		engine.UnwatchUnusedVariable(key)
		engine.RemoveCacheEntry(key)
	}

	var updated, added int
	for _, key := range desired.Keys() {
		entry := desired[key]

		switch {
		case reserved[key]:
			log.Warn("Skipping reserved cache entry", logger.WithField("key", key))
			continue
		case existing[key]:
			engine.SetCacheEntryValue(key, entry.Value.String())
			engine.SetCacheEntryType(key, entry.Type)
			engine.SetCacheEntryProperty(key, types.PropertyHelpString, entry.HelpText)
			updated++
		default:
			engine.WatchUnusedVariable(key)
			engine.AddCacheEntry(key, entry.Value.String(), entry.HelpText, entry.Type)
			added++
		}

		writeMetadata(engine, entry)
	}

	log.Debug("Cache reconciled",
		logger.WithField("added", added),
		logger.WithField("updated", updated),
		logger.WithField("removed", len(removed)))
}

func writeMetadata(engine interfaces.Engine, entry types.CacheEntry) {
	advanced := "0"
	if entry.Advanced {
		advanced = "1"
	}
	engine.SetCacheEntryProperty(entry.Key, types.PropertyAdvanced, advanced)
	engine.SetCacheEntryProperty(entry.Key, types.PropertyStrings,
		strings.Join(entry.AllowedValues, allowedValuesSeparator))
}
