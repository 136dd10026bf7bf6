/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const (
	solverAttempts   = 1000
	exclusionComment = "#"
	exclusionDelim   = ","
)

// exclusionPair is a directional forbidden assignment, lowercased.
type exclusionPair struct {
	giver    string
	receiver string
}

// delivery is one participant's committed result, handed to the live push
// and email paths after a draw.
type delivery struct {
	giver  string
	email  string
	target string
}

// loadExclusions reads the forbidden pair list. The list is opt-in and
// best-effort: a missing file yields an empty set, blank lines and lines
// starting with the comment marker are skipped, and malformed lines are
// dropped rather than failing the load.
func loadExclusions(cfg *Config, path string) map[exclusionPair]bool {
	forbidden := make(map[exclusionPair]bool)

	file, err := os.Open(path)
	if err != nil {
		return forbidden
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, exclusionComment) {
			continue
		}

		fields := strings.Split(line, exclusionDelim)
		if len(fields) != 2 {
			logf(cfg, "DRAW: Skipping malformed exclusion line %q", line)
			continue
		}

		giver := strings.ToLower(strings.TrimSpace(fields[0]))
		receiver := strings.ToLower(strings.TrimSpace(fields[1]))
		if giver == "" || receiver == "" {
			logf(cfg, "DRAW: Skipping malformed exclusion line %q", line)
			continue
		}

		forbidden[exclusionPair{giver, receiver}] = true
	}

	return forbidden
}

// solveAssignments searches for a derangement of names that avoids every
// forbidden pair, by shuffling and validating up to solverAttempts times.
// Rejection sampling stays uniform over the valid derangements, which a
// constructive cycle-building approach would not; group sizes are small
// enough that the retry cost is negligible. Returns nil if no valid
// permutation is found, which the caller treats as retryable.
func solveAssignments(names []string, forbidden map[exclusionPair]bool) map[string]string {
	if len(names) < 2 {
		return nil
	}

	shuffled := make([]string, len(names))
	copy(shuffled, names)

	for attempt := 0; attempt < solverAttempts; attempt++ {
		for i := len(shuffled) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}

		valid := true
		for i, giver := range names {
			receiver := shuffled[i]
			if strings.EqualFold(giver, receiver) {
				valid = false
				break
			}
			if forbidden[exclusionPair{strings.ToLower(giver), strings.ToLower(receiver)}] {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}

		mapping := make(map[string]string, len(names))
		for i, giver := range names {
			mapping[giver] = shuffled[i]
		}
		return mapping
	}

	return nil
}

// runDraw executes one draw: gather eligible names, load the exclusion
// list fresh, solve, and commit. The returned deliveries are already
// durable in the session records; pushing and emailing them is the
// caller's fire-and-forget concern.
func runDraw(cfg *Config, reg *Registry) ([]delivery, error) {
	names := reg.listEligibleNames()
	if len(names) < 2 {
		return nil, errors.New("at least two undrawn participants are needed")
	}

	forbidden := loadExclusions(cfg, cfg.exclusions)

	mapping := solveAssignments(names, forbidden)
	if mapping == nil {
		return nil, errors.New("no valid assignment found, try starting the draw again")
	}

	deliveries := reg.commitAssignments(mapping)

	logf(cfg, "DRAW: Assigned %d participants", len(deliveries))

	if err := appendResults(cfg, deliveries); err != nil {
		logf(cfg, "ERROR: Writing draw results: %v", err)
	}

	return deliveries, nil
}

// appendResults records the committed mapping in the result log for
// independent audit. The log is append-only and never read back.
func appendResults(cfg *Config, deliveries []delivery) error {
	sorted := make([]delivery, len(deliveries))
	copy(sorted, deliveries)
	collate.New(language.Und).Sort(deliverySort(sorted))

	var out strings.Builder
	out.WriteString(fmt.Sprintf("%s Draw of %d participants\n", time.Now().Format(logDate), len(sorted)))
	for _, d := range sorted {
		out.WriteString(fmt.Sprintf("%s%s%s\n", d.giver, exclusionDelim, d.target))
	}
	out.WriteString("\n")

	file, err := os.OpenFile(cfg.results, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := file.WriteString(out.String()); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

type deliverySort []delivery

func (d deliverySort) Len() int           { return len(d) }
func (d deliverySort) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }
func (d deliverySort) Bytes(i int) []byte { return []byte(d[i].giver) }
