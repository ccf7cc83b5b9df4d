// Package template renders stored email templates. Coach templates are
// resolved by id within the owner's scope and shared system templates by
// their fixed key. Two dialects are supported: a handlebars-style one
// ({{var}}, {{#if}}, {{#each}}) and Liquid.
package template
