// Package prompts contains the prompt text the orchestration loop sends
// to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. Tenant-authored agent prompts live in the database; this package
// holds only the fixed operating rules.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
